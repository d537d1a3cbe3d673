package static

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/andesco/relink/pkg/proxyerr"
)

// HomePage is the resource served for "/".
const HomePage = "home.html"

var ErrNotFound = proxyerr.New(proxyerr.KindNotFound, "resource not found")

// Loader reads single named files from a fixed resource root.
type Loader struct {
	Root string
}

func NewLoader(root string) *Loader {
	return &Loader{Root: root}
}

// DefaultRoot is the "base" directory next to the running executable.
func DefaultRoot() string {
	exe, err := os.Executable()
	if err != nil {
		return "base"
	}
	return filepath.Join(filepath.Dir(exe), "base")
}

// Load returns the bytes of name, or ErrNotFound. Only plain file names
// directly under Root are served.
func (l *Loader) Load(name string) ([]byte, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return nil, ErrNotFound
	}

	data, err := os.ReadFile(filepath.Join(l.Root, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return nil, ErrNotFound
		}
		return nil, proxyerr.Wrap(proxyerr.KindNotFound, err, "error reading "+name)
	}
	return data, nil
}
