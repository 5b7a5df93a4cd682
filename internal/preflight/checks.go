package preflight

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"acsmconv/internal/config"
	"acsmconv/internal/deps"
	"acsmconv/internal/services"
	"acsmconv/internal/services/adept"
)

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckActivation verifies that the ADEPT activation directory holds a
// complete, readable device registration.
func CheckActivation(dir string) Result {
	const name = "Device activation"

	act, err := adept.LoadActivation(dir)
	if err != nil {
		return Result{Name: name, Detail: services.Describe(err).Message}
	}
	for _, path := range []string{act.DevicePath, act.ActivationPath, act.SaltPath} {
		if err := unix.Access(path, unix.R_OK); err != nil {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: not readable: %v)", path, err)}
		}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (device %s)", act.Dir, act.DeviceID)}
}

// CheckSystemDeps evaluates the external tools for the given config. Both the
// daemon status endpoint and the CLI check command use this so the
// requirements list lives in one place.
func CheckSystemDeps(_ context.Context, cfg *config.Config) []deps.Status {
	statuses := deps.CheckBinaries([]deps.Requirement{
		{
			Name:        "acsmdownloader",
			Command:     cfg.Tools.FulfillBinary,
			Description: "Required for ACSM fulfillment (libgourou)",
		},
		{
			Name:        "adept_remove",
			Command:     cfg.Tools.StripBinary,
			Description: "Required for DRM removal (libgourou)",
		},
	})
	statuses = append(statuses, deps.CheckConverter(cfg.Tools.ConvertBinary))
	statuses = append(statuses, deps.CheckBinaries([]deps.Requirement{
		{
			Name:        "adept_activate",
			Command:     cfg.Tools.ActivateBinary,
			Description: "Registers a device (acsmconv activate)",
			Optional:    true,
		},
	})...)
	return statuses
}
