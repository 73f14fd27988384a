// SPDX-License-Identifier: MIT

// +build linux

package serial

var defaultConfig = Config{
	port: "/dev/ttyACM0",
	baud: 115200,
}
