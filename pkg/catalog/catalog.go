// Package catalog holds the table of cloud images that can be turned into
// templates. Adding an image is a data change: edit templates.json or point
// the CLI at another catalog file.
package catalog

import (
	_ "embed"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tietjen/generate-linux-templates/pkg/errors"
)

//go:embed templates.json
var defaultCatalog []byte

// Proxmox reserves IDs below 100.
const (
	minTemplateID = 100
	maxTemplateID = 999999999
)

// OSFamily tags the distribution an image belongs to.
type OSFamily string

const (
	FamilyDebian OSFamily = "debian"
	FamilyUbuntu OSFamily = "ubuntu"
	FamilyFedora OSFamily = "fedora"
	FamilyAlpine OSFamily = "alpine"
	FamilyOther  OSFamily = "other"
)

// OSType returns the qm --ostype value for the family.
func (f OSFamily) OSType() string {
	switch f {
	case FamilyDebian, FamilyUbuntu, FamilyFedora, FamilyAlpine:
		return "l26"
	default:
		return "other"
	}
}

func (f OSFamily) valid() bool {
	switch f {
	case FamilyDebian, FamilyUbuntu, FamilyFedora, FamilyAlpine, FamilyOther:
		return true
	}
	return false
}

// Image describes one catalog entry.
type Image struct {
	Key         string   `json:"key" yaml:"-"`
	URL         string   `json:"url" yaml:"url"`
	TemplateID  int      `json:"vm_id" yaml:"vm_id"`
	Name        string   `json:"vm_name" yaml:"vm_name"`
	OSFamily    OSFamily `json:"os_family" yaml:"os_family"`
	Filename    string   `json:"filename,omitempty" yaml:"filename"`
	Description string   `json:"description,omitempty" yaml:"description"`
}

// Catalog is an ordered, immutable set of images keyed by Image.Key.
type Catalog struct {
	images []Image
	index  map[string]int
}

// Default returns the catalog compiled into the binary.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Load reads a catalog from path, or returns the built-in catalog when path
// is empty. JSON and YAML documents are both accepted.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read catalog")
	}

	c, err := Parse(data)
	if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("invalid catalog %s", path))
	}

	slog.Debug("catalog_loaded", "path", path, "image_count", c.Len())
	return c, nil
}

// Parse decodes a catalog document: a mapping of image key to entry. Entry
// order in the document is the catalog order.
func Parse(data []byte) (*Catalog, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, errors.Wrap(err, "failed to decode catalog")
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, fmt.Errorf("catalog is empty")
	}

	mapping := root.Content[0]
	if mapping.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("catalog must be a mapping of image key to image")
	}

	c := &Catalog{index: make(map[string]int)}
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		key := strings.TrimSpace(mapping.Content[i].Value)

		var img Image
		if err := mapping.Content[i+1].Decode(&img); err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("image %q", key))
		}
		img.Key = key
		applyDefaults(&img)

		if err := c.add(img); err != nil {
			return nil, err
		}
	}

	if len(c.images) == 0 {
		return nil, fmt.Errorf("catalog is empty")
	}
	return c, nil
}

func applyDefaults(img *Image) {
	if img.Name == "" {
		img.Name = img.Key + "-template"
	}
	if img.OSFamily == "" {
		img.OSFamily = familyFromKey(img.Key)
	}
	if img.Filename == "" && img.URL != "" {
		if u, err := url.Parse(img.URL); err == nil {
			img.Filename = path.Base(u.Path)
		}
	}
}

func familyFromKey(key string) OSFamily {
	for _, f := range []OSFamily{FamilyDebian, FamilyUbuntu, FamilyFedora, FamilyAlpine} {
		if strings.HasPrefix(strings.ToLower(key), string(f)) {
			return f
		}
	}
	return FamilyOther
}

func (c *Catalog) add(img Image) error {
	if img.Key == "" {
		return fmt.Errorf("image key cannot be empty")
	}
	if _, dup := c.index[img.Key]; dup {
		return fmt.Errorf("duplicate image key %q", img.Key)
	}
	if err := img.Validate(); err != nil {
		return errors.Wrap(err, fmt.Sprintf("image %q", img.Key))
	}
	for _, other := range c.images {
		if other.TemplateID == img.TemplateID {
			return fmt.Errorf("image %q reuses vm_id %d of image %q", img.Key, img.TemplateID, other.Key)
		}
	}

	c.index[img.Key] = len(c.images)
	c.images = append(c.images, img)
	return nil
}

// Validate checks a single entry.
func (img Image) Validate() error {
	if img.URL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(img.URL)
	if err != nil {
		return errors.Wrap(err, "invalid url")
	}
	switch u.Scheme {
	case "http", "https", "s3":
	default:
		return fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", img.URL)
	}
	if img.TemplateID < minTemplateID || img.TemplateID > maxTemplateID {
		return fmt.Errorf("vm_id must be between %d and %d, got %d", minTemplateID, maxTemplateID, img.TemplateID)
	}
	if !img.OSFamily.valid() {
		return fmt.Errorf("unknown os_family %q", img.OSFamily)
	}
	if img.Filename == "" || img.Filename == "." || img.Filename == "/" {
		return fmt.Errorf("cannot derive a filename from url %q", img.URL)
	}
	return nil
}

// Len returns the number of images.
func (c *Catalog) Len() int { return len(c.images) }

// Images returns all images in catalog order.
func (c *Catalog) Images() []Image {
	out := make([]Image, len(c.images))
	copy(out, c.images)
	return out
}

// Keys returns the image keys in catalog order.
func (c *Catalog) Keys() []string {
	keys := make([]string, len(c.images))
	for i, img := range c.images {
		keys[i] = img.Key
	}
	return keys
}

// Lookup finds an image by key.
func (c *Catalog) Lookup(key string) (Image, bool) {
	i, ok := c.index[key]
	if !ok {
		return Image{}, false
	}
	return c.images[i], true
}

// Select returns the images named by keys, in catalog order regardless of
// the order the keys were given in. An empty selection means every image.
func (c *Catalog) Select(keys []string) ([]Image, error) {
	if len(keys) == 0 {
		return c.Images(), nil
	}

	wanted := make(map[string]bool, len(keys))
	for _, k := range keys {
		if _, ok := c.index[k]; !ok {
			return nil, fmt.Errorf("unknown image %q (available: %s)", k, strings.Join(c.Keys(), ", "))
		}
		wanted[k] = true
	}

	var out []Image
	for _, img := range c.images {
		if wanted[img.Key] {
			out = append(out, img)
		}
	}
	return out, nil
}
