// SPDX-License-Identifier: MIT

// +build darwin

package serial

var defaultConfig = Config{
	port: "/dev/tty.usbmodem01",
	baud: 115200,
}
