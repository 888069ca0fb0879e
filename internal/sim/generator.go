package sim

import (
	"hash/fnv"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"time"
)

// Location is a named seed position assigned to a connection at creation.
type Location struct {
	Latitude  float64
	Longitude float64
	City      string
}

// seedLocations are the origin points new connections start near.
var seedLocations = []Location{
	{-33.8688, 151.2093, "Sydney"},
	{51.5074, -0.1278, "London"},
	{40.7128, -74.0060, "New York"},
	{35.6762, 139.6503, "Tokyo"},
	{48.8566, 2.3522, "Paris"},
	{-23.5505, -46.6333, "São Paulo"},
	{37.7749, -122.4194, "San Francisco"},
	{1.3521, 103.8198, "Singapore"},
	{55.7558, 37.6173, "Moscow"},
	{28.6139, 77.2090, "New Delhi"},
	{-34.6037, -58.3816, "Buenos Aires"},
	{31.2304, 121.4737, "Shanghai"},
	{19.0760, 72.8777, "Mumbai"},
	{52.5200, 13.4050, "Berlin"},
	{25.2048, 55.2708, "Dubai"},
	{-36.8485, 174.7633, "Auckland"},
	{43.6532, -79.3832, "Toronto"},
	{59.9139, 10.7522, "Oslo"},
	{41.9028, 12.4964, "Rome"},
	{-26.2041, 28.0473, "Johannesburg"},
}

var deviceAdjectives = []string{"zeta", "stream", "spark", "drift", "pixel", "wave", "sync", "flux", "neo", "arc"}
var deviceNouns = []string{"wave", "shine", "mesh", "flow", "pulse", "link", "node", "core", "beam", "grid"}

// DeviceName derives a stable human-readable device name from a
// connection id.
func DeviceName(connectionID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(connectionID))
	n := h.Sum32()
	adj := deviceAdjectives[n%uint32(len(deviceAdjectives))]
	noun := deviceNouns[(n/10)%uint32(len(deviceNouns))]
	return adj + noun + strconv.Itoa(int(n%1000))
}

// State is the evolving physics state of one connection. The generator
// treats it as immutable input and returns a new value every tick.
type State struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	AltitudeM float64 `json:"altitude_m"`

	HeadingDeg float64 `json:"heading_deg"`
	PitchDeg   float64 `json:"pitch_deg"`
	RollDeg    float64 `json:"roll_deg"`

	AccelX         float64 `json:"accel_x"`
	AccelY         float64 `json:"accel_y"`
	AccelZ         float64 `json:"accel_z"`
	AccelMagnitude float64 `json:"accel_magnitude"`

	GyroX float64 `json:"gyro_x"`
	GyroY float64 `json:"gyro_y"`
	GyroZ float64 `json:"gyro_z"`

	SpeedKMH       float64 `json:"speed_kmh"`
	BatteryPct     int     `json:"battery_pct"`
	SignalStrength int     `json:"signal_strength"`

	EventCount uint64 `json:"event_count"`

	// Drift velocities carried between ticks to keep the walk smooth.
	headingVel float64
	pitchVel   float64
	rollVel    float64
	speedVel   float64
}

const (
	gravity       = 9.81
	metersPerDeg  = 111_320.0
	batteryPeriod = 300 // events per 1% battery drain
	batteryFloor  = 1   // never fully depletes during a session
	signalMin     = -100
	signalMax     = -40
)

// Generator produces the next physics state for a connection. It is
// deterministic for a fixed seed: the same call sequence yields the same
// states. Safe for use from the registry and the scheduler; the internal
// random source is guarded.
type Generator struct {
	mu       sync.Mutex
	rng      *rand.Rand
	maxSpeed float64
}

// NewGenerator creates a generator seeded with the given value. maxSpeed
// caps the simulated speed in km/h; zero or negative selects the default
// of 120.
func NewGenerator(seed int64, maxSpeed float64) *Generator {
	if maxSpeed <= 0 {
		maxSpeed = 120
	}
	return &Generator{
		rng:      rand.New(rand.NewSource(seed)),
		maxSpeed: maxSpeed,
	}
}

// NewConnectionState returns a randomized initial state near one of the
// seed locations, plus the chosen location.
func (g *Generator) NewConnectionState() (State, Location) {
	g.mu.Lock()
	defer g.mu.Unlock()

	loc := seedLocations[g.rng.Intn(len(seedLocations))]
	st := State{
		Latitude:       loc.Latitude + g.uniform(-0.01, 0.01),
		Longitude:      loc.Longitude + g.uniform(-0.01, 0.01),
		AltitudeM:      g.uniform(0, 200),
		HeadingDeg:     g.uniform(0, 360),
		PitchDeg:       g.uniform(-15, 15),
		RollDeg:        g.uniform(-10, 10),
		AccelZ:         gravity,
		SpeedKMH:       g.uniform(0, 60),
		BatteryPct:     20 + g.rng.Intn(81),
		SignalStrength: -65,
		headingVel:     g.uniform(-2, 2),
		pitchVel:       g.uniform(-1, 1),
		rollVel:        g.uniform(-1, 1),
		speedVel:       g.uniform(-5, 5),
	}
	return st, loc
}

// Next advances a connection's state by one tick. elapsed scales the
// positional advance so a late tick does not teleport the device. Any
// numeric anomaly in the previous state is clamped back into the legal
// range rather than propagated.
func (g *Generator) Next(prev State, elapsed time.Duration) State {
	g.mu.Lock()
	defer g.mu.Unlock()

	next := prev
	next.EventCount = prev.EventCount + 1

	// Heading wraps 0-360 with a damped angular velocity.
	next.headingVel = sanitize(prev.headingVel*0.95+g.uniform(-1.5, 1.5), -10, 10, 0)
	next.HeadingDeg = wrap360(sanitize(prev.HeadingDeg, 0, 360, 0) + next.headingVel)

	// Pitch and roll walk within the original soft band, then clamp to
	// the hard legal ranges.
	next.PitchDeg, next.pitchVel = g.smoothWalk(prev.PitchDeg, prev.pitchVel, -45, 45, 0.8)
	next.PitchDeg = clamp(next.PitchDeg, -90, 90)
	next.RollDeg, next.rollVel = g.smoothWalk(prev.RollDeg, prev.rollVel, -90, 90, 1.0)
	next.RollDeg = clamp(next.RollDeg, -180, 180)

	next.SpeedKMH, next.speedVel = g.smoothWalk(prev.SpeedKMH, prev.speedVel, 0, g.maxSpeed, 3.0)

	// Accelerometer: gravity projected through pitch/roll plus noise.
	pitchR := next.PitchDeg * math.Pi / 180
	rollR := next.RollDeg * math.Pi / 180
	next.AccelX = gravity*math.Sin(pitchR) + g.gauss(0.15)
	next.AccelY = gravity*math.Sin(rollR) + g.gauss(0.15)
	next.AccelZ = gravity*math.Cos(pitchR)*math.Cos(rollR) + g.gauss(0.1)
	next.AccelMagnitude = math.Sqrt(next.AccelX*next.AccelX + next.AccelY*next.AccelY + next.AccelZ*next.AccelZ)

	// Gyroscope derives from the drift velocities.
	next.GyroX = next.pitchVel*10 + g.gauss(0.5)
	next.GyroY = next.rollVel*10 + g.gauss(0.5)
	next.GyroZ = next.headingVel*5 + g.gauss(0.3)

	// Position advances along the heading at the current speed.
	seconds := elapsed.Seconds()
	if seconds <= 0 || seconds > 60 {
		seconds = 1
	}
	speedMS := next.SpeedKMH / 3.6
	headingR := next.HeadingDeg * math.Pi / 180
	lat := sanitize(prev.Latitude, -85, 85, 0)
	deltaLat := speedMS * math.Cos(headingR) * seconds / metersPerDeg
	deltaLon := speedMS * math.Sin(headingR) * seconds / (metersPerDeg*math.Cos(lat*math.Pi/180) + 1e-10)
	next.Latitude = clamp(lat+deltaLat+g.gauss(0.00002), -85, 85)
	next.Longitude = clamp(sanitize(prev.Longitude, -180, 180, 0)+deltaLon+g.gauss(0.00002), -180, 180)
	next.AltitudeM = math.Max(0, sanitize(prev.AltitudeM, 0, 100_000, 0)+g.gauss(0.5))

	// Battery drains one percent per fixed event count, never below the
	// floor, and is never allowed to increase.
	next.BatteryPct = clampInt(prev.BatteryPct, 0, 100)
	if next.EventCount%batteryPeriod == 0 && next.BatteryPct > batteryFloor {
		next.BatteryPct--
	}

	next.SignalStrength = clampInt(prev.SignalStrength+g.rng.Intn(5)-2, signalMin, signalMax)

	return next
}

// PayloadBytes returns a plausible payload size for one sample.
func (g *Generator) PayloadBytes() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return 256 + g.rng.Intn(61) - 20
}

// smoothWalk advances value by a damped velocity with bounded random
// acceleration, bouncing at the boundaries with halved velocity.
func (g *Generator) smoothWalk(value, velocity, min, max, accelRange float64) (float64, float64) {
	value = sanitize(value, min, max, (min+max)/2)
	velocity = sanitize(velocity, -accelRange*4, accelRange*4, 0)

	velocity = velocity*0.95 + g.uniform(-accelRange, accelRange)
	velocity = clamp(velocity, -accelRange*4, accelRange*4)
	value += velocity
	if value < min {
		value = min
		velocity = math.Abs(velocity) * 0.5
	} else if value > max {
		value = max
		velocity = -math.Abs(velocity) * 0.5
	}
	return value, velocity
}

func (g *Generator) uniform(min, max float64) float64 {
	return min + g.rng.Float64()*(max-min)
}

func (g *Generator) gauss(stddev float64) float64 {
	return g.rng.NormFloat64() * stddev
}

func wrap360(v float64) float64 {
	v = math.Mod(v, 360)
	if v < 0 {
		v += 360
	}
	return v
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// sanitize clamps v into [min,max] and replaces NaN/Inf with fallback so
// an anomalous previous state can never poison the walk.
func sanitize(v, min, max, fallback float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fallback
	}
	return clamp(v, min, max)
}
