package pricing

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type ShippingTier struct {
	Name     string `yaml:"name"`
	MaxItems int    `yaml:"maxItems"`
	FeeCents int64  `yaml:"feeCents"`
}

// ShippingTable prices a parcel by bag tier and destination region. Tiers are
// kept sorted by MaxItems.
type ShippingTable struct {
	DefaultRegion string           `yaml:"defaultRegion"`
	Tiers         []ShippingTier   `yaml:"tiers"`
	Regions       map[string]int64 `yaml:"regions"`
}

func DefaultShippingTable() ShippingTable {
	return ShippingTable{
		DefaultRegion: "metro",
		Tiers: []ShippingTier{
			{Name: "small", MaxItems: 3, FeeCents: 10000},
			{Name: "medium", MaxItems: 6, FeeCents: 15000},
			{Name: "large", MaxItems: 10, FeeCents: 20000},
		},
		Regions: map[string]int64{
			"metro":    0,
			"luzon":    5000,
			"visayas":  8000,
			"mindanao": 10000,
		},
	}
}

func ParseShippingTable(data []byte) (ShippingTable, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return ShippingTable{}, fmt.Errorf("shipping table: payload is empty")
	}
	var table ShippingTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return ShippingTable{}, fmt.Errorf("shipping table: decode: %w", err)
	}
	if err := table.normalize(); err != nil {
		return ShippingTable{}, err
	}
	return table, nil
}

// LoadShippingTable reads path, or returns the built-in table when path is
// empty.
func LoadShippingTable(path string) (ShippingTable, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultShippingTable(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ShippingTable{}, fmt.Errorf("shipping table: read %s: %w", path, err)
	}
	table, err := ParseShippingTable(data)
	if err != nil {
		return ShippingTable{}, fmt.Errorf("%s: %w", path, err)
	}
	return table, nil
}

func (t *ShippingTable) normalize() error {
	if len(t.Tiers) == 0 {
		return fmt.Errorf("shipping table: at least one tier is required")
	}
	for i := range t.Tiers {
		t.Tiers[i].Name = strings.ToLower(strings.TrimSpace(t.Tiers[i].Name))
		if t.Tiers[i].Name == "" || t.Tiers[i].MaxItems < 1 || t.Tiers[i].FeeCents < 0 {
			return fmt.Errorf("shipping table: tier %d is invalid", i)
		}
	}
	sort.Slice(t.Tiers, func(i, j int) bool { return t.Tiers[i].MaxItems < t.Tiers[j].MaxItems })

	regions := make(map[string]int64, len(t.Regions))
	for name, surcharge := range t.Regions {
		if surcharge < 0 {
			return fmt.Errorf("shipping table: region %q has a negative surcharge", name)
		}
		regions[strings.ToLower(strings.TrimSpace(name))] = surcharge
	}
	t.Regions = regions
	t.DefaultRegion = strings.ToLower(strings.TrimSpace(t.DefaultRegion))
	if t.DefaultRegion == "" {
		t.DefaultRegion = "metro"
	}
	if _, ok := t.Regions[t.DefaultRegion]; !ok {
		t.Regions[t.DefaultRegion] = 0
	}
	return nil
}

// MaxItems is the largest item count any tier can carry.
func (t ShippingTable) MaxItems() int {
	if len(t.Tiers) == 0 {
		return 0
	}
	return t.Tiers[len(t.Tiers)-1].MaxItems
}

// Fee returns the shipping charge for itemCount items bound for region. A
// requested tier smaller than the one the count needs is ignored.
func (t ShippingTable) Fee(itemCount int, requestedTier string, region string) (int64, string, error) {
	if itemCount <= 0 {
		return 0, "", nil
	}
	if itemCount > t.MaxItems() {
		return 0, "", ErrOrderTooLarge
	}

	idx := -1
	for i, tier := range t.Tiers {
		if itemCount <= tier.MaxItems {
			idx = i
			break
		}
	}
	if requested := strings.ToLower(strings.TrimSpace(requestedTier)); requested != "" {
		found := false
		for i, tier := range t.Tiers {
			if tier.Name == requested {
				found = true
				if i > idx {
					idx = i
				}
			}
		}
		if !found {
			return 0, "", fmt.Errorf("%w: %q", ErrUnknownTier, requestedTier)
		}
	}

	region = strings.ToLower(strings.TrimSpace(region))
	if region == "" {
		region = t.DefaultRegion
	}
	surcharge, ok := t.Regions[region]
	if !ok {
		return 0, "", fmt.Errorf("%w: %q", ErrUnknownRegion, region)
	}

	tier := t.Tiers[idx]
	return tier.FeeCents + surcharge, tier.Name, nil
}
