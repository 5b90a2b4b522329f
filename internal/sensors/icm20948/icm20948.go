// Package icm20948 drives the TDK ICM-20948 9-axis IMU: accelerometer and
// gyroscope on the main die, plus the AK09916 magnetometer reached through
// the I2C bypass so it shows up on the host bus at its own address.
package icm20948

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"meshar/internal/i2c"
)

var sleep = time.Sleep

const (
	addrDefault = 0x68
	addrMag     = 0x0C

	regWhoAmI  = 0x00
	whoAmIVal  = 0xEA
	regBankSel = 0x7F

	// Bank 0.
	regUserCtrl   = 0x03
	regPwrMgmt1   = 0x06
	bitReset      = 0x80
	regIntPinCfg  = 0x0F
	bitBypassEn   = 0x02
	regIntEnable  = 0x38
	regAccelXoutH = 0x2D // accel then gyro, 12 bytes

	// Bank 2.
	bank2           = 2
	regGyroSmplrt   = 0x00
	regGyroConfig   = 0x01
	regAccelSmplrt2 = 0x11
	regAccelConfig  = 0x14

	fsGyro500dps = 0x02 // GYRO_FS_SEL=1
	fsAccel4g    = 0x02 // ACCEL_FS_SEL=1

	// AK09916.
	magRegWIA2  = 0x01
	magWIA2Val  = 0x09
	magRegST1   = 0x10
	magRegHXL   = 0x11
	magRegCNTL2 = 0x31
	magRegCNTL3 = 0x32
	magST1DRDY  = 0x01
	magST2HOFL  = 0x08
	magMode100  = 0x08
	magScaleUT  = 0.15

	standardGravity = 9.80665
	degToRad        = 0.017453292519943295
)

// Sample is one read in SI units, in the accelerometer's axis frame.
type Sample struct {
	Time  time.Time
	Accel r3.Vec // m/s²
	Gyro  r3.Vec // rad/s
	Mag   r3.Vec // µT
	// MagOK is false when the magnetometer is absent, had no new data, or
	// overflowed.
	MagOK bool
}

type regIO interface {
	ReadRegU8(reg byte) (byte, error)
	ReadReg(reg byte, dst []byte) error
	WriteReg(reg, value byte) error
}

type Device struct {
	dev regIO
	mag regIO

	magErr  error
	curBank byte

	scaleAccel float64
	scaleGyro  float64
}

func DefaultAddress() uint16 { return addrDefault }

// New probes the IMU at addr on bus. A missing or unresponsive magnetometer
// is not fatal; MagErr reports why it is unavailable.
func New(bus *i2c.Bus, addr uint16) (*Device, error) {
	if bus == nil {
		return nil, fmt.Errorf("icm20948: bus is nil")
	}
	if addr == 0 {
		addr = addrDefault
	}
	return newWithIO(bus.Dev(addr), bus.Dev(addrMag))
}

func newWithIO(dev, mag regIO) (*Device, error) {
	if dev == nil {
		return nil, fmt.Errorf("icm20948: dev is nil")
	}
	d := &Device{dev: dev, curBank: 0xFF}

	who, err := d.dev.ReadRegU8(regWhoAmI)
	if err != nil {
		return nil, fmt.Errorf("icm20948: whoami read failed: %w", err)
	}
	if who != whoAmIVal {
		return nil, fmt.Errorf("icm20948: whoami=0x%02X want 0x%02X", who, whoAmIVal)
	}
	if err := d.init(); err != nil {
		return nil, err
	}

	if mag == nil {
		d.magErr = fmt.Errorf("icm20948: no magnetometer handle")
		return d, nil
	}
	if err := d.initMag(mag); err != nil {
		d.magErr = err
		return d, nil
	}
	d.mag = mag
	return d, nil
}

func (d *Device) init() error {
	if err := d.setBank(0); err != nil {
		return err
	}
	_ = d.dev.WriteReg(regIntEnable, 0x00)

	if err := d.dev.WriteReg(regPwrMgmt1, bitReset); err != nil {
		return fmt.Errorf("icm20948: reset failed: %w", err)
	}
	sleep(100 * time.Millisecond)
	// Reset puts the bank select back to 0.
	d.curBank = 0

	// CLKSEL=1 picks the PLL when available.
	if err := d.dev.WriteReg(regPwrMgmt1, 0x01); err != nil {
		return fmt.Errorf("icm20948: wake failed: %w", err)
	}
	sleep(10 * time.Millisecond)

	if err := d.setBank(bank2); err != nil {
		return err
	}
	// Output rate is 1125/(1+div) Hz; div 10 gives ~102 Hz, above the 60 Hz
	// the engine asks for.
	const div = 10
	_ = d.dev.WriteReg(regGyroSmplrt, div)
	_ = d.dev.WriteReg(regAccelSmplrt2, div)

	if err := d.dev.WriteReg(regGyroConfig, fsGyro500dps); err != nil {
		return fmt.Errorf("icm20948: gyro config failed: %w", err)
	}
	if err := d.dev.WriteReg(regAccelConfig, fsAccel4g); err != nil {
		return fmt.Errorf("icm20948: accel config failed: %w", err)
	}
	if err := d.setBank(0); err != nil {
		return err
	}

	d.scaleAccel = 4.0 / 32768.0 * standardGravity
	d.scaleGyro = 500.0 / 32768.0 * degToRad
	return nil
}

// initMag disables the internal I2C master and enables bypass so the
// AK09916 answers on the host bus, then starts continuous 100 Hz sampling.
func (d *Device) initMag(mag regIO) error {
	if err := d.dev.WriteReg(regUserCtrl, 0x00); err != nil {
		return fmt.Errorf("icm20948: user ctrl failed: %w", err)
	}
	if err := d.dev.WriteReg(regIntPinCfg, bitBypassEn); err != nil {
		return fmt.Errorf("icm20948: bypass enable failed: %w", err)
	}
	sleep(10 * time.Millisecond)

	wia, err := mag.ReadRegU8(magRegWIA2)
	if err != nil {
		return fmt.Errorf("ak09916: whoami read failed: %w", err)
	}
	if wia != magWIA2Val {
		return fmt.Errorf("ak09916: whoami=0x%02X want 0x%02X", wia, magWIA2Val)
	}
	if err := mag.WriteReg(magRegCNTL3, 0x01); err != nil {
		return fmt.Errorf("ak09916: reset failed: %w", err)
	}
	sleep(10 * time.Millisecond)
	if err := mag.WriteReg(magRegCNTL2, magMode100); err != nil {
		return fmt.Errorf("ak09916: mode failed: %w", err)
	}
	return nil
}

// HasMag reports whether the magnetometer was brought up.
func (d *Device) HasMag() bool { return d != nil && d.mag != nil }

// MagErr is why the magnetometer is unavailable, or nil.
func (d *Device) MagErr() error {
	if d == nil {
		return nil
	}
	return d.magErr
}

func (d *Device) setBank(bank byte) error {
	if d.curBank == bank {
		return nil
	}
	if err := d.dev.WriteReg(regBankSel, bank<<4); err != nil {
		return fmt.Errorf("icm20948: set bank %d failed: %w", bank, err)
	}
	d.curBank = bank
	return nil
}

func be16(b []byte) float64 { return float64(int16(uint16(b[0])<<8 | uint16(b[1]))) }
func le16(b []byte) float64 { return float64(int16(uint16(b[1])<<8 | uint16(b[0]))) }

func (d *Device) Read() (Sample, error) {
	if d == nil {
		return Sample{}, fmt.Errorf("icm20948: device is nil")
	}
	if err := d.setBank(0); err != nil {
		return Sample{}, err
	}

	var buf [12]byte
	if err := d.dev.ReadReg(regAccelXoutH, buf[:]); err != nil {
		return Sample{}, fmt.Errorf("icm20948: read sensors failed: %w", err)
	}
	s := Sample{
		Time: time.Now(),
		Accel: r3.Vec{
			X: be16(buf[0:]) * d.scaleAccel,
			Y: be16(buf[2:]) * d.scaleAccel,
			Z: be16(buf[4:]) * d.scaleAccel,
		},
		Gyro: r3.Vec{
			X: be16(buf[6:]) * d.scaleGyro,
			Y: be16(buf[8:]) * d.scaleGyro,
			Z: be16(buf[10:]) * d.scaleGyro,
		},
	}

	if d.mag != nil {
		mag, ok, err := d.readMag()
		if err != nil {
			return s, err
		}
		s.Mag, s.MagOK = mag, ok
	}
	return s, nil
}

// readMag returns the latest field when one is ready. Reading through ST2
// releases the data registers for the next measurement.
func (d *Device) readMag() (r3.Vec, bool, error) {
	st1, err := d.mag.ReadRegU8(magRegST1)
	if err != nil {
		return r3.Vec{}, false, fmt.Errorf("ak09916: status read failed: %w", err)
	}
	if st1&magST1DRDY == 0 {
		return r3.Vec{}, false, nil
	}
	var buf [8]byte
	if err := d.mag.ReadReg(magRegHXL, buf[:]); err != nil {
		return r3.Vec{}, false, fmt.Errorf("ak09916: data read failed: %w", err)
	}
	if buf[7]&magST2HOFL != 0 {
		return r3.Vec{}, false, nil
	}
	// The AK09916 Y and Z axes point opposite to the accelerometer's.
	return r3.Vec{
		X: le16(buf[0:]) * magScaleUT,
		Y: -le16(buf[2:]) * magScaleUT,
		Z: -le16(buf[4:]) * magScaleUT,
	}, true, nil
}
