package sim

import (
	"math"
	"testing"
	"time"
)

func TestNextKeepsStateInBounds(t *testing.T) {
	g := NewGenerator(42, 120)
	st, loc := g.NewConnectionState()
	if loc.City == "" {
		t.Fatal("expected a named seed location")
	}

	prevBattery := st.BatteryPct
	for i := 0; i < 10_000; i++ {
		st = g.Next(st, time.Second)

		if st.Latitude < -85 || st.Latitude > 85 {
			t.Fatalf("step %d: latitude %v out of range", i, st.Latitude)
		}
		if st.Longitude < -180 || st.Longitude > 180 {
			t.Fatalf("step %d: longitude %v out of range", i, st.Longitude)
		}
		if st.HeadingDeg < 0 || st.HeadingDeg >= 360 {
			t.Fatalf("step %d: heading %v out of range", i, st.HeadingDeg)
		}
		if st.PitchDeg < -90 || st.PitchDeg > 90 {
			t.Fatalf("step %d: pitch %v out of range", i, st.PitchDeg)
		}
		if st.RollDeg < -180 || st.RollDeg > 180 {
			t.Fatalf("step %d: roll %v out of range", i, st.RollDeg)
		}
		if st.SpeedKMH < 0 || st.SpeedKMH > 120 {
			t.Fatalf("step %d: speed %v out of range", i, st.SpeedKMH)
		}
		if st.BatteryPct < batteryFloor || st.BatteryPct > 100 {
			t.Fatalf("step %d: battery %v out of range", i, st.BatteryPct)
		}
		if st.BatteryPct > prevBattery {
			t.Fatalf("step %d: battery increased %d -> %d", i, prevBattery, st.BatteryPct)
		}
		prevBattery = st.BatteryPct

		if st.SignalStrength < signalMin || st.SignalStrength > signalMax {
			t.Fatalf("step %d: signal %v out of range", i, st.SignalStrength)
		}
		if st.AltitudeM < 0 {
			t.Fatalf("step %d: altitude %v negative", i, st.AltitudeM)
		}
		if math.IsNaN(st.AccelMagnitude) || st.AccelMagnitude <= 0 {
			t.Fatalf("step %d: accel magnitude %v invalid", i, st.AccelMagnitude)
		}
		if st.EventCount != uint64(i+1) {
			t.Fatalf("step %d: event count %d", i, st.EventCount)
		}
	}
}

func TestGeneratorReproducibleForSeed(t *testing.T) {
	a := NewGenerator(7, 120)
	b := NewGenerator(7, 120)

	stA, locA := a.NewConnectionState()
	stB, locB := b.NewConnectionState()
	if locA != locB {
		t.Fatalf("seed locations differ: %v vs %v", locA, locB)
	}

	for i := 0; i < 100; i++ {
		stA = a.Next(stA, time.Second)
		stB = b.Next(stB, time.Second)
		if stA != stB {
			t.Fatalf("step %d: states diverged for identical seeds", i)
		}
	}
}

func TestNextSanitizesAnomalousState(t *testing.T) {
	g := NewGenerator(1, 120)

	tests := []struct {
		name string
		prev State
	}{
		{"nan position", State{Latitude: math.NaN(), Longitude: math.NaN()}},
		{"inf heading", State{HeadingDeg: math.Inf(1)}},
		{"battery above range", State{BatteryPct: 250}},
		{"speed below range", State{SpeedKMH: -50}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := g.Next(tt.prev, time.Second)
			if math.IsNaN(next.Latitude) || next.Latitude < -85 || next.Latitude > 85 {
				t.Errorf("latitude %v not sanitized", next.Latitude)
			}
			if math.IsNaN(next.HeadingDeg) || next.HeadingDeg < 0 || next.HeadingDeg >= 360 {
				t.Errorf("heading %v not sanitized", next.HeadingDeg)
			}
			if next.BatteryPct < 0 || next.BatteryPct > 100 {
				t.Errorf("battery %v not sanitized", next.BatteryPct)
			}
			if next.SpeedKMH < 0 {
				t.Errorf("speed %v not sanitized", next.SpeedKMH)
			}
		})
	}
}

func TestNextElapsedGuard(t *testing.T) {
	g := NewGenerator(3, 120)
	st, _ := g.NewConnectionState()

	// A stalled or backwards clock must not teleport the device.
	for _, elapsed := range []time.Duration{0, -time.Second, 2 * time.Hour} {
		next := g.Next(st, elapsed)
		dLat := math.Abs(next.Latitude - st.Latitude)
		dLon := math.Abs(next.Longitude - st.Longitude)
		// 120 km/h for one second is well under 0.002 degrees.
		if dLat > 0.002 || dLon > 0.002 {
			t.Errorf("elapsed %v: moved too far (dlat=%v dlon=%v)", elapsed, dLat, dLon)
		}
	}
}

func TestDeviceNameStable(t *testing.T) {
	for _, id := range []string{"a1b2c3d4", "ffffffff", "00000000"} {
		first := DeviceName(id)
		if first == "" {
			t.Fatalf("empty device name for %q", id)
		}
		if second := DeviceName(id); second != first {
			t.Fatalf("device name for %q not stable: %q vs %q", id, first, second)
		}
	}
	if DeviceName("a1b2c3d4") == DeviceName("d4c3b2a1") {
		t.Log("distinct ids mapped to the same name (allowed, hash-based)")
	}
}
