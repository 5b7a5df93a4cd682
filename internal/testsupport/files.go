package testsupport

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// WriteFile fills the target path with the requested number of bytes using a
// simple repeating pattern. A size <= 0 writes a single byte.
func WriteFile(t testing.TB, path string, size int64) {
	t.Helper()

	if size <= 0 {
		size = 1
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()

	const chunkSize = 32 * 1024
	buf := make([]byte, chunkSize)
	for i := range buf {
		buf[i] = 0x42
	}

	remaining := size
	for remaining > 0 {
		toWrite := int64(chunkSize)
		if remaining < toWrite {
			toWrite = remaining
		}
		if _, err := f.Write(buf[:toWrite]); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
		remaining -= toWrite
	}
}

// ManifestXML renders a minimal fulfillment token. The transaction string
// makes each manifest hash unique.
func ManifestXML(title, source, transaction string) string {
	return fmt.Sprintf(`<?xml version="1.0"?>
<fulfillmentToken fulfillmentType="buy" auth="user" xmlns="http://ns.adobe.com/adept">
  <transaction>%s</transaction>
  <resourceItemInfo>
    <metadata>
      <dc:title xmlns:dc="http://purl.org/dc/elements/1.1/">%s</dc:title>
    </metadata>
    <src>%s</src>
  </resourceItemInfo>
</fulfillmentToken>
`, transaction, title, source)
}

// WriteManifest writes an EPUB fulfillment token to dir/name and returns its path.
func WriteManifest(t testing.TB, dir, name, title, transaction string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	doc := ManifestXML(title, "https://acs.example.com/media/book.epub", transaction)
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

// WriteActivation creates a libgourou style activation directory.
func WriteActivation(t testing.TB, dir, deviceID string) {
	t.Helper()

	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatalf("mkdir activation: %v", err)
	}
	files := map[string]string{
		"device.xml": fmt.Sprintf(`<?xml version="1.0"?>
<adept:deviceInfo xmlns:adept="http://ns.adobe.com/adept">
  <adept:deviceClass>Desktop</adept:deviceClass>
  <adept:deviceSerial>serial-%s</adept:deviceSerial>
  <adept:fingerprint>%s</adept:fingerprint>
</adept:deviceInfo>
`, deviceID, deviceID),
		"activation.xml": "<activationInfo xmlns=\"http://ns.adobe.com/adept\"/>\n",
		"devicesalt":     "0123456789abcdef",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
}

// WriteScript writes an executable shell script into dir and returns its path.
func WriteScript(t testing.TB, dir, name, body string) string {
	t.Helper()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write script %s: %v", name, err)
	}
	return path
}
