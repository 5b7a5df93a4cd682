package adept

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"acsmconv/internal/services"
)

// Activation file names inside the activation directory.
const (
	DeviceFile     = "device.xml"
	ActivationFile = "activation.xml"
	SaltFile       = "devicesalt"
)

// Activation is a registered ADEPT device. It is loaded once and shared
// read-only by every job.
type Activation struct {
	Dir            string
	DevicePath     string
	ActivationPath string
	SaltPath       string
	DeviceID       string
}

// LoadActivation validates the activation directory. Missing or unreadable
// files are reported as precondition failures.
func LoadActivation(dir string) (*Activation, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, services.Wrap(services.ErrPreconditionFailed, "", "activation", "activation directory not configured", nil)
	}
	act := &Activation{
		Dir:            dir,
		DevicePath:     filepath.Join(dir, DeviceFile),
		ActivationPath: filepath.Join(dir, ActivationFile),
		SaltPath:       filepath.Join(dir, SaltFile),
	}
	for _, path := range []string{act.DevicePath, act.ActivationPath, act.SaltPath} {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, services.Wrap(services.ErrPreconditionFailed, "", "activation",
					fmt.Sprintf("%s missing; register a device with `acsmconv activate`", path), nil)
			}
			return nil, services.Wrap(services.ErrPreconditionFailed, "", "activation", "stat "+path, err)
		}
		if info.IsDir() || info.Size() == 0 {
			return nil, services.Wrap(services.ErrPreconditionFailed, "", "activation", path+" is empty or not a file", nil)
		}
	}

	id, err := readDeviceID(act.DevicePath)
	if err != nil {
		return nil, services.Wrap(services.ErrPreconditionFailed, "", "activation", "invalid "+DeviceFile, err)
	}
	act.DeviceID = id
	return act, nil
}

// Args returns the credential flags shared by acsmdownloader and adept_remove.
func (a *Activation) Args() []string {
	return []string{"-d", a.DevicePath, "-a", a.ActivationPath, "-k", a.SaltPath}
}

type deviceDocument struct {
	XMLName     xml.Name `xml:"deviceInfo"`
	Fingerprint string   `xml:"fingerprint"`
	Serial      string   `xml:"deviceSerial"`
}

func readDeviceID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var doc deviceDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return "", err
	}
	if id := strings.TrimSpace(doc.Fingerprint); id != "" {
		return id, nil
	}
	if id := strings.TrimSpace(doc.Serial); id != "" {
		return id, nil
	}
	return "", errors.New("no fingerprint or deviceSerial element")
}
