// Package gps reads the user's own position from a USB GNSS receiver, either
// as NMEA over a serial port (RMC/GGA) or as gpsd JSON reports (TPV/SKY), and
// hands each new fix to the engine as its location source.
package gps
