//go:build !darwin

package main

const (
	exampleDeviceAddress = "A0:9E:1A:12:34:56"
	deviceAddressNote    = "Device address format: MAC address, e.g. A0:9E:1A:12:34:56\n  Use 'hrlink scan' to discover devices"
)
