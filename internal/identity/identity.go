// Package identity derives a stable vehicle identifier for installs that
// do not configure one explicitly.
package identity

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Vehicle is the resolved identity of the vehicle the agent runs on.
//
// ID is a short digest of the strongest identifier found, so raw hardware
// serials never leave the device. Method names the source it came from.
type Vehicle struct {
	ID     string
	Method string
}

const (
	MethodConfigured = "configured"
	MethodHardware   = "hardware"
	MethodMachineID  = "machine-id"
	MethodGenerated  = "generated"
)

// resolverEnv encapsulates side-effectful operations so they can be swapped
// out in tests.
type resolverEnv struct {
	readFile    func(path string) ([]byte, error)
	userHomeDir func() (string, error)
	mkdirAll    func(path string, perm os.FileMode) error
	writeFile   func(name string, data []byte, perm os.FileMode) error
	newUUID     func() string
}

func defaultEnv() resolverEnv {
	return resolverEnv{
		readFile:    os.ReadFile,
		userHomeDir: os.UserHomeDir,
		mkdirAll:    os.MkdirAll,
		writeFile:   os.WriteFile,
		newUUID:     uuid.NewString,
	}
}

// Resolve returns configured unchanged when it is non-empty, and
// otherwise derives an identifier from hardware serials, the OS
// machine-id, or a generated UUID persisted under the user's home.
func Resolve(configured string) Vehicle {
	return resolveWithEnv(defaultEnv(), configured)
}

func resolveWithEnv(env resolverEnv, configured string) Vehicle {
	if id := normalizeID(configured); id != "" {
		return Vehicle{ID: id, Method: MethodConfigured}
	}
	if id := resolveHardwareID(env); id != "" {
		return Vehicle{ID: digest(id), Method: MethodHardware}
	}
	if id := readIDFromFile(env, "/etc/machine-id", false); id != "" {
		return Vehicle{ID: digest(id), Method: MethodMachineID}
	}
	if id := resolveGeneratedID(env); id != "" {
		return Vehicle{ID: digest(id), Method: MethodGenerated}
	}
	return Vehicle{}
}

// hardwareSources are tried in order; device-tree files carry NUL padding.
var hardwareSources = []struct {
	path      string
	stripNull bool
}{
	{"/proc/device-tree/serial-number", true},
	{"/sys/firmware/devicetree/base/serial-number", true},
	{"/sys/module/tegra_fuse/parameters/tegra_chip_uid", false},
	{"/sys/block/mmcblk0/device/cid", false},
	{"/sys/class/dmi/id/product_uuid", false},
}

func resolveHardwareID(env resolverEnv) string {
	for i, src := range hardwareSources {
		if id := readIDFromFile(env, src.path, src.stripNull); id != "" {
			return id
		}
		// The Raspberry Pi CPU serial ranks just after device-tree.
		if i == 1 {
			if id := readCPUInfoSerial(env); id != "" {
				return id
			}
		}
	}
	return ""
}

// readCPUInfoSerial parses the "Serial : ..." line of /proc/cpuinfo.
func readCPUInfoSerial(env resolverEnv) string {
	data, err := env.readFile("/proc/cpuinfo")
	if err != nil {
		return ""
	}

	for _, line := range strings.Split(string(data), "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok || strings.TrimSpace(key) != "Serial" {
			continue
		}
		if serial := normalizeID(value); serial != "" {
			return serial
		}
	}
	return ""
}

// resolveGeneratedID loads ~/.busrelay/vehicle-id, creating it if
// necessary. Errors result in an empty string.
func resolveGeneratedID(env resolverEnv) string {
	home, err := env.userHomeDir()
	if err != nil || home == "" {
		return ""
	}

	path := filepath.Join(home, ".busrelay", "vehicle-id")
	if data, err := env.readFile(path); err == nil {
		if id := normalizeID(string(data)); id != "" {
			return id
		}
	}

	id := env.newUUID()
	if err := env.mkdirAll(filepath.Dir(path), 0o700); err != nil {
		return id
	}
	_ = env.writeFile(path, []byte(id), 0o600)
	return id
}

func readIDFromFile(env resolverEnv, path string, stripNull bool) string {
	data, err := env.readFile(path)
	if err != nil {
		return ""
	}
	if stripNull {
		data = bytes.ReplaceAll(data, []byte{0x00}, nil)
	}
	return normalizeID(string(data))
}

func normalizeID(s string) string {
	return strings.TrimSpace(strings.Trim(s, "\x00"))
}

// digest returns the first 16 hex characters of sha256(id).
func digest(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:8])
}
