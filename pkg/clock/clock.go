package clock

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/cuemby/collective/pkg/fault"
	"github.com/cuemby/collective/pkg/types"
)

// Clock issues Lamport-pair versions for one machine. Next never
// returns the same or a smaller counter twice; Observe folds in remote
// versions so local issues stay ahead of everything seen.
type Clock struct {
	mu        sync.Mutex
	machineID string
	counter   uint64

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

// New creates a clock for machineID starting at counter zero. Callers
// replay their version index through Observe before issuing.
func New(machineID string) *Clock {
	return &Clock{
		machineID: machineID,
		entropy:   ulid.Monotonic(rand.Reader, 0),
	}
}

// MachineID returns the machine this clock stamps for.
func (c *Clock) MachineID() string {
	return c.machineID
}

// Next returns a fresh version strictly greater than every version this
// clock has issued or observed.
func (c *Clock) Next() types.Version {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counter++
	return types.Version{Counter: c.counter, MachineID: c.machineID}
}

// Observe folds a remote or replayed version into the counter so that
// subsequent Next calls order after it.
func (c *Clock) Observe(v types.Version) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v.Counter > c.counter {
		c.counter = v.Counter
	}
}

// Current returns the last issued or observed counter without bumping.
func (c *Clock) Current() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counter
}

// NewMemoryID mints a {machine_id}:{ulid} memory id. ULIDs from one
// clock are monotonic within a millisecond, so ids sort by mint order.
func (c *Clock) NewMemoryID() string {
	c.entropyMu.Lock()
	defer c.entropyMu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), c.entropy)
	return c.machineID + ":" + id.String()
}

// MachineIDFromMemoryID extracts the originating machine id.
func MachineIDFromMemoryID(memoryID string) (string, error) {
	i := strings.LastIndex(memoryID, ":")
	if i <= 0 || i == len(memoryID)-1 {
		return "", fault.Validationf("malformed memory id %q", memoryID)
	}
	if _, err := ulid.ParseStrict(memoryID[i+1:]); err != nil {
		return "", fault.Validationf("malformed memory id %q: %v", memoryID, err)
	}
	return memoryID[:i], nil
}

// machineIDFile is where a generated machine id persists inside the
// data directory.
const machineIDFile = "machine-id"

// LoadOrCreateMachineID returns the configured id when set, otherwise
// the id persisted in dataDir, otherwise a freshly generated one that
// is persisted before returning.
func LoadOrCreateMachineID(configured, dataDir string) (string, error) {
	if configured != "" {
		return configured, nil
	}

	path := filepath.Join(dataDir, machineIDFile)
	if data, err := os.ReadFile(path); err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}

	id := generateMachineID()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fault.Unavailablef(err, "create data dir")
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", fault.Unavailablef(err, "persist machine id")
	}
	return id, nil
}

func generateMachineID() string {
	u := ulid.MustNew(ulid.Now(), rand.Reader)
	return fmt.Sprintf("m-%s", strings.ToLower(u.String()[len(u.String())-10:]))
}
