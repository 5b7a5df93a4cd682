package deps

import (
	"acsmconv/internal/services/calibre"
)

// CheckConverter reports the ebook-convert binary conversions will execute.
// An empty configured value is resolved the way the converter resolves it at
// runtime: PATH first, then the macOS Calibre app bundle.
func CheckConverter(configured string) Status {
	result := Status{
		Name:        "Calibre",
		Command:     calibre.DefaultBinary,
		Description: "Required for format conversion (ebook-convert)",
	}
	if configured != "" {
		req := Requirement{Name: result.Name, Command: configured, Description: result.Description}
		return checkBinary(req)
	}
	path, err := calibre.Locate("")
	if err != nil {
		result.Detail = err.Error()
		return result
	}
	result.Command = path
	result.Path = path
	result.Available = true
	return result
}
