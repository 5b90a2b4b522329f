package icm20948

import (
	"errors"
	"math"
	"testing"
	"time"
)

type fakeI2C struct {
	regs   map[byte][]byte
	writes []writeOp

	readErrFor map[byte]error
}

type writeOp struct {
	reg byte
	val byte
}

func (f *fakeI2C) ReadRegU8(reg byte) (byte, error) {
	if err := f.readErrFor[reg]; err != nil {
		return 0, err
	}
	b := f.regs[reg]
	if len(b) < 1 {
		return 0, errors.New("no reg")
	}
	return b[0], nil
}

func (f *fakeI2C) ReadReg(reg byte, dst []byte) error {
	if err := f.readErrFor[reg]; err != nil {
		return err
	}
	b := f.regs[reg]
	if len(b) < len(dst) {
		return errors.New("short reg")
	}
	copy(dst, b[:len(dst)])
	return nil
}

func (f *fakeI2C) WriteReg(reg, value byte) error {
	f.writes = append(f.writes, writeOp{reg: reg, val: value})
	return nil
}

func (f *fakeI2C) wrote(reg, val byte) bool {
	for _, w := range f.writes {
		if w.reg == reg && w.val == val {
			return true
		}
	}
	return false
}

func noSleep(t *testing.T) {
	old := sleep
	sleep = func(time.Duration) {}
	t.Cleanup(func() { sleep = old })
}

func imuRegs() *fakeI2C {
	return &fakeI2C{regs: map[byte][]byte{
		regWhoAmI: {whoAmIVal},
		regAccelXoutH: {
			0x20, 0x00, // ax = 8192 -> 1 g
			0x00, 0x00,
			0xE0, 0x00, // az = -8192 -> -1 g
			0x40, 0x00, // gx = 16384 -> 250 dps
			0x00, 0x00,
			0xC0, 0x00, // gz -> -250 dps
		},
	}}
}

func magRegs() *fakeI2C {
	return &fakeI2C{regs: map[byte][]byte{
		magRegWIA2: {magWIA2Val},
		magRegST1:  {magST1DRDY},
		// X=100, Y=200, Z=-100 LSB, then TMPS and ST2.
		magRegHXL: {0x64, 0x00, 0xC8, 0x00, 0x9C, 0xFF, 0x00, 0x00},
	}}
}

func TestNew_WhoAmIMismatch(t *testing.T) {
	noSleep(t)
	f := &fakeI2C{regs: map[byte][]byte{regWhoAmI: {0x00}}}
	if _, err := newWithIO(f, nil); err == nil {
		t.Fatalf("expected error")
	}
}

func TestNew_WritesExpectedInitRegisters(t *testing.T) {
	noSleep(t)
	f := imuRegs()
	m := magRegs()
	d, err := newWithIO(f, m)
	if err != nil {
		t.Fatalf("newWithIO: %v", err)
	}
	if !f.wrote(regPwrMgmt1, bitReset) || !f.wrote(regPwrMgmt1, 0x01) {
		t.Fatalf("expected reset and wake writes, got %+v", f.writes)
	}
	if !f.wrote(regBankSel, bank2<<4) {
		t.Fatalf("expected bank2 select write")
	}
	if !f.wrote(regIntPinCfg, bitBypassEn) {
		t.Fatalf("expected bypass enable")
	}
	if !m.wrote(magRegCNTL2, magMode100) {
		t.Fatalf("expected magnetometer continuous mode")
	}
	if !d.HasMag() || d.MagErr() != nil {
		t.Fatalf("mag should be up: %v", d.MagErr())
	}
}

func TestNew_MissingMagIsNotFatal(t *testing.T) {
	noSleep(t)
	m := &fakeI2C{regs: map[byte][]byte{magRegWIA2: {0x48}}}
	d, err := newWithIO(imuRegs(), m)
	if err != nil {
		t.Fatalf("newWithIO: %v", err)
	}
	if d.HasMag() || d.MagErr() == nil {
		t.Fatalf("mag should be reported missing")
	}
	s, err := d.Read()
	if err != nil || s.MagOK {
		t.Fatalf("sample=%+v err=%v", s, err)
	}
}

func TestRead_ScalesToSIUnits(t *testing.T) {
	noSleep(t)
	d, err := newWithIO(imuRegs(), magRegs())
	if err != nil {
		t.Fatalf("newWithIO: %v", err)
	}
	s, err := d.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	near := func(got, want float64) bool { return math.Abs(got-want) < 1e-6 }
	if !near(s.Accel.X, standardGravity) || !near(s.Accel.Z, -standardGravity) {
		t.Fatalf("accel=%+v want ±1 g", s.Accel)
	}
	if !near(s.Gyro.X, 250*degToRad) || !near(s.Gyro.Z, -250*degToRad) {
		t.Fatalf("gyro=%+v want ±250 dps in rad/s", s.Gyro)
	}
	if !s.MagOK {
		t.Fatalf("expected mag sample")
	}
	if !near(s.Mag.X, 15) || !near(s.Mag.Y, -30) || !near(s.Mag.Z, 15) {
		t.Fatalf("mag=%+v want (15,-30,15) µT", s.Mag)
	}
}

func TestRead_MagNotReadyOrOverflow(t *testing.T) {
	noSleep(t)
	m := magRegs()
	d, err := newWithIO(imuRegs(), m)
	if err != nil {
		t.Fatalf("newWithIO: %v", err)
	}

	m.regs[magRegST1] = []byte{0x00}
	if s, err := d.Read(); err != nil || s.MagOK {
		t.Fatalf("not ready: sample=%+v err=%v", s, err)
	}

	m.regs[magRegST1] = []byte{magST1DRDY}
	m.regs[magRegHXL][7] = magST2HOFL
	if s, err := d.Read(); err != nil || s.MagOK {
		t.Fatalf("overflow: sample=%+v err=%v", s, err)
	}

	m.readErrFor = map[byte]error{magRegST1: errors.New("nak")}
	if _, err := d.Read(); err == nil {
		t.Fatalf("expected status read error")
	}
}
