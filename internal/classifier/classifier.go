// Package classifier maps free request text to a destination using ordered keyword sets.
package classifier

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tributary-ai/health-router/internal/types"
)

// KeywordSet is the list of substrings that selects one destination
type KeywordSet struct {
	Destination types.Destination `yaml:"destination"`
	Keywords    []string          `yaml:"keywords"`
}

// Rules is the classifier configuration. Sets are checked in order.
type Rules struct {
	Default types.Destination `yaml:"default"`
	Sets    []KeywordSet      `yaml:"sets"`
}

// Classifier is immutable once built and safe for concurrent use
type Classifier struct {
	fallback types.Destination
	sets     []KeywordSet
}

// DefaultRules returns the built-in tables: pharmacy first, then radiology
func DefaultRules() Rules {
	return Rules{
		Default: types.DefaultDestination,
		Sets: []KeywordSet{
			{
				Destination: types.Pharmacy,
				Keywords: []string{
					"medication", "drug", "prescription", "pill", "tablet", "capsule",
					"dosage", "dose", "medicine", "pharmaceutical", "pharmacy",
					"ibuprofen", "aspirin", "antibiotic", "painkiller", "side effects",
					"drug interaction", "overdose", "withdrawal", "generic", "brand name",
					"over the counter", "otc",
				},
			},
			{
				Destination: types.Radiology,
				Keywords: []string{
					"x-ray", "xray", "scan", "mri", "ct", "cat scan", "ultrasound",
					"imaging", "radiology", "radiologist", "contrast", "barium",
					"mammogram", "pet scan", "bone scan", "nuclear medicine",
					"fluoroscopy", "angiogram", "fracture", "broken bone",
				},
			},
		},
	}
}

// New builds a classifier from rules. Keywords are stored lower-cased and
// the rule slices are copied so later edits to rules have no effect.
func New(rules Rules) (*Classifier, error) {
	if rules.Default == "" {
		rules.Default = types.DefaultDestination
	}

	c := &Classifier{fallback: rules.Default}
	seen := make(map[types.Destination]bool)

	for i, set := range rules.Sets {
		if set.Destination == "" {
			return nil, fmt.Errorf("keyword set %d has no destination", i)
		}
		if seen[set.Destination] {
			return nil, fmt.Errorf("destination %s listed more than once", set.Destination)
		}
		seen[set.Destination] = true

		keywords := make([]string, 0, len(set.Keywords))
		for _, kw := range set.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" {
				keywords = append(keywords, kw)
			}
		}
		if len(keywords) == 0 {
			return nil, fmt.Errorf("keyword set for %s is empty", set.Destination)
		}

		c.sets = append(c.sets, KeywordSet{Destination: set.Destination, Keywords: keywords})
	}

	return c, nil
}

// Default returns a classifier with the built-in tables
func Default() *Classifier {
	c, err := New(DefaultRules())
	if err != nil {
		// the built-in tables are known to be valid
		panic(err)
	}
	return c
}

// LoadRules reads rules from a YAML file
func LoadRules(path string) (Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("failed to read classifier rules: %w", err)
	}

	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return Rules{}, fmt.Errorf("failed to parse classifier rules: %w", err)
	}
	return rules, nil
}

// Classify returns the destination for text. The first keyword set with any
// substring match wins; blank text and no match both give the default.
func (c *Classifier) Classify(text string) types.Destination {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return c.fallback
	}

	for _, set := range c.sets {
		for _, kw := range set.Keywords {
			if strings.Contains(normalized, kw) {
				return set.Destination
			}
		}
	}
	return c.fallback
}

// DefaultDestination returns the destination used when nothing matches
func (c *Classifier) DefaultDestination() types.Destination {
	return c.fallback
}

// Destinations returns the keyword destinations in priority order
func (c *Classifier) Destinations() []types.Destination {
	out := make([]types.Destination, 0, len(c.sets))
	for _, set := range c.sets {
		out = append(out, set.Destination)
	}
	return out
}
