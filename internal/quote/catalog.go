// Package quote turns captured leads into estimations: a vision model
// assesses the lead's photos, the suggested services are canonicalized
// against the shop's service catalog, and the resulting estimation can be
// pushed to the commerce backend as a draft order.
package quote

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/stitchandsole/leadsync/internal/match"
)

// ServiceOther is the catch-all slug for suggestions the catalog does not
// recognize. It always resolves, so a canonicalized service list is never
// shorter than one entry when the model suggested anything at all.
const ServiceOther = "other"

// fuzzyThreshold is the minimum similarity score for a non-exact
// suggestion to claim a catalog entry.
const fuzzyThreshold = 85

// Service is a single offering in the shop's service catalog.
type Service struct {
	Slug     string   `yaml:"slug"`
	Label    string   `yaml:"label"`
	Category string   `yaml:"category,omitempty"`
	Price    string   `yaml:"price,omitempty"`
	Aliases  []string `yaml:"aliases,omitempty"`
}

// Catalog maps free-form service suggestions onto the fixed set of
// services the shop actually offers.
type Catalog struct {
	services []Service
	bySlug   map[string]Service

	// keys holds every normalized slug, label, and alias in catalog order,
	// so fuzzy resolution scans them deterministically.
	keys  []catalogKey
	byKey map[string]string
}

type catalogKey struct {
	norm string
	slug string
}

// LoadCatalog reads a service catalog from a YAML file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "quote: read catalog %s", path)
	}

	var wrapper struct {
		Services []Service `yaml:"services"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "quote: parse catalog")
	}
	if len(wrapper.Services) == 0 {
		return nil, eris.Errorf("quote: catalog %s has no services", path)
	}
	return NewCatalog(wrapper.Services), nil
}

// NewCatalog builds a catalog from an explicit service list.
func NewCatalog(services []Service) *Catalog {
	c := &Catalog{
		services: services,
		bySlug:   make(map[string]Service, len(services)),
		byKey:    make(map[string]string),
	}
	for _, s := range services {
		c.bySlug[s.Slug] = s
		c.addKey(s.Slug, s.Slug)
		c.addKey(s.Label, s.Slug)
		for _, alias := range s.Aliases {
			c.addKey(alias, s.Slug)
		}
	}
	return c
}

func (c *Catalog) addKey(raw, slug string) {
	norm := match.NormalizeName(raw)
	if norm == "" {
		return
	}
	if _, ok := c.byKey[norm]; ok {
		return
	}
	c.byKey[norm] = slug
	c.keys = append(c.keys, catalogKey{norm: norm, slug: slug})
}

// Services returns the catalog entries in file order.
func (c *Catalog) Services() []Service {
	return c.services
}

// Lookup returns the catalog entry for a slug.
func (c *Catalog) Lookup(slug string) (Service, bool) {
	s, ok := c.bySlug[slug]
	return s, ok
}

// Resolve maps one free-form suggestion to a catalog slug. An exact match
// on a slug, label, or alias wins; otherwise the closest key above the
// fuzzy threshold does. The second return is false when nothing in the
// catalog is close enough.
func (c *Catalog) Resolve(suggestion string) (string, bool) {
	norm := match.NormalizeName(suggestion)
	if norm == "" {
		return "", false
	}
	if slug, ok := c.byKey[norm]; ok {
		return slug, true
	}

	best, bestScore := "", 0
	for _, k := range c.keys {
		if score := match.Similarity(norm, k.norm); score > bestScore {
			best, bestScore = k.slug, score
		}
	}
	if bestScore >= fuzzyThreshold {
		return best, true
	}
	return "", false
}

// Canonicalize maps a list of suggested services onto catalog slugs,
// deduplicates while preserving order, and funnels anything unrecognized
// into ServiceOther.
func (c *Catalog) Canonicalize(suggestions []string) []string {
	var out []string
	seen := make(map[string]bool, len(suggestions))
	for _, raw := range suggestions {
		slug, ok := c.Resolve(raw)
		if !ok {
			slug = ServiceOther
		}
		if seen[slug] {
			continue
		}
		seen[slug] = true
		out = append(out, slug)
	}
	return out
}

// DefaultCatalog is the built-in service list used when no catalog file is
// configured. It mirrors config/services.yaml.
func DefaultCatalog() *Catalog {
	return NewCatalog(defaultServices)
}

var defaultServices = []Service{
	{Slug: "sole_replacement", Label: "Sole replacement", Category: "shoes", Price: "180.00", Aliases: []string{"resole", "resoling", "new soles", "sole repair"}},
	{Slug: "heel_repair", Label: "Heel repair", Category: "shoes", Price: "90.00", Aliases: []string{"heel replacement", "new heels", "heel tips", "heel caps"}},
	{Slug: "stitching", Label: "Stitching and seam repair", Category: "general", Price: "70.00", Aliases: []string{"restitching", "seam repair", "sewing", "stitch repair"}},
	{Slug: "leather_restoration", Label: "Leather restoration", Category: "leather", Price: "220.00", Aliases: []string{"leather repair", "recoloring", "color restoration", "scuff repair"}},
	{Slug: "deep_clean", Label: "Deep cleaning", Category: "care", Price: "120.00", Aliases: []string{"cleaning", "clean and condition", "stain removal", "suede cleaning"}},
	{Slug: "hardware_replacement", Label: "Hardware replacement", Category: "bags", Price: "110.00", Aliases: []string{"zipper replacement", "zip repair", "buckle replacement", "clasp repair"}},
	{Slug: "lining_replacement", Label: "Lining replacement", Category: "bags", Price: "160.00", Aliases: []string{"relining", "new lining", "interior repair"}},
	{Slug: "handle_repair", Label: "Handle and strap repair", Category: "bags", Price: "140.00", Aliases: []string{"strap repair", "strap replacement", "handle replacement"}},
	{Slug: "waterproofing", Label: "Waterproofing", Category: "care", Price: "60.00", Aliases: []string{"water proofing", "protection treatment", "weather proofing"}},
	{Slug: ServiceOther, Label: "Other service", Category: "general", Aliases: []string{"misc", "miscellaneous"}},
}
