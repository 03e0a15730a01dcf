package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nexus-edge/modbus-engine/internal/adapter/modbus"
)

// deviceRegistry is the on-disk shape of the device registry file.
type deviceRegistry struct {
	Devices []modbus.DeviceConfig `yaml:"devices"`
}

// LoadDevices reads the device registry from a YAML file. A missing file is
// not an error: devices can also be addressed dynamically through the
// device key expression.
func LoadDevices(path string) ([]modbus.DeviceConfig, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading device registry: %w", err)
	}

	var registry deviceRegistry
	if err := yaml.Unmarshal(data, &registry); err != nil {
		return nil, fmt.Errorf("parsing device registry: %w", err)
	}

	if err := validateDevices(registry.Devices); err != nil {
		return nil, err
	}
	return registry.Devices, nil
}

// DefaultDeviceKey picks the static routing target for deployments with no
// device key expression and no explicit engine.device_key: the first
// registered device, or the local default when the registry is empty.
func DefaultDeviceKey(devices []modbus.DeviceConfig) string {
	if len(devices) > 0 {
		return devices[0].Key()
	}
	return "127.0.0.1:502"
}

func validateDevices(devices []modbus.DeviceConfig) error {
	seen := make(map[string]string, len(devices))
	for i, d := range devices {
		name := d.Name
		if name == "" {
			name = fmt.Sprintf("#%d", i)
		}

		switch d.Protocol {
		case modbus.ProtocolTCP, "":
			if d.Host == "" && d.SerialPort == "" {
				return fmt.Errorf("device %s: host is required", name)
			}
			if d.Port < 0 || d.Port > 65535 {
				return fmt.Errorf("device %s: invalid port %d", name, d.Port)
			}
		case modbus.ProtocolRTU:
			if d.SerialPort == "" {
				return fmt.Errorf("device %s: serial_port is required", name)
			}
		default:
			return fmt.Errorf("device %s: unknown protocol %q", name, d.Protocol)
		}

		key := d.Key()
		if prev, dup := seen[key]; dup {
			return fmt.Errorf("devices %s and %s share key %q", prev, name, key)
		}
		seen[key] = name
	}
	return nil
}
