// SPDX-License-Identifier: MIT

// +build windows

package serial

var defaultConfig = Config{
	port: "COM3",
	baud: 115200,
}
