package topology

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"waterguard/internal/normalize"
)

const unknownCTP = "unknown CTP"

// Directory resolves display strings for alert messages. Lookups never fail.
type Directory struct {
	addresses map[string]string
	ctpNames  map[string]string
}

func NewDirectory(addresses, ctpNames map[string]string) *Directory {
	d := &Directory{
		addresses: make(map[string]string, len(addresses)),
		ctpNames:  make(map[string]string, len(ctpNames)),
	}
	for k, v := range addresses {
		d.addresses[normalize.EntityID(k)] = v
	}
	for k, v := range ctpNames {
		d.ctpNames[k] = v
	}
	return d
}

func (d *Directory) Address(building string) string {
	if d != nil {
		if addr := strings.TrimSpace(d.addresses[building]); addr != "" {
			return addr
		}
	}
	if building == "" {
		return "unknown address"
	}
	return "UNOM " + building
}

func (d *Directory) CTPName(ctp string) string {
	if d != nil {
		if name := strings.TrimSpace(d.ctpNames[ctp]); name != "" {
			return name
		}
	}
	if ctp == "" {
		return unknownCTP
	}
	return ctp
}

type featureCollection struct {
	Features []struct {
		Properties map[string]any `json:"properties"`
	} `json:"features"`
}

// LoadDirectory reads building addresses from a GeoJSON FeatureCollection
// (properties.UNOM, properties.address). Geometry is ignored. A missing or
// unreadable file yields a directory that only knows the fallbacks.
func LoadDirectory(path string, ctpNames map[string]string, logger *slog.Logger) *Directory {
	addresses := map[string]string{}
	if path != "" {
		loaded, err := readAddresses(path)
		if err != nil {
			if logger != nil {
				logger.Warn("address directory unavailable", "path", path, "err", err)
			}
		} else {
			addresses = loaded
			if logger != nil {
				logger.Info("address directory loaded", "path", path, "addresses", len(addresses))
			}
		}
	}
	return NewDirectory(addresses, ctpNames)
}

func readAddresses(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fc featureCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(fc.Features))
	for _, f := range fc.Features {
		unom, ok := f.Properties["UNOM"]
		if !ok || unom == nil {
			continue
		}
		addr, _ := f.Properties["address"].(string)
		if addr == "" {
			continue
		}
		out[normalize.EntityID(fmt.Sprint(unom))] = addr
	}
	return out, nil
}
