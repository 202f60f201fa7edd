package extract

import (
	"context"
	"errors"
	"strings"

	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
)

// VendorStore is the subset of the vendor repository the engine needs.
type VendorStore interface {
	// FindVendorByName does a case-insensitive exact lookup and returns
	// common.ErrNotFound when nothing matches.
	FindVendorByName(ctx context.Context, name string) (*entity.Vendor, error)
	ListVendors(ctx context.Context) ([]*entity.Vendor, error)
	// EnsureVendor creates an ACTIVE vendor or returns the one already stored under name.
	EnsureVendor(ctx context.Context, name string) (*entity.Vendor, error)
}

// minFuzzyLen keeps short fragments like "Co" from matching everything.
const minFuzzyLen = 3

// ResolveVendor links name to a stored vendor: exact match first, then a
// substring match in either direction, otherwise a new vendor.
func ResolveVendor(ctx context.Context, store VendorStore, name string) (*entity.Vendor, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, common.NewAppError("VENDOR", "empty vendor name", common.ErrInvalidInput)
	}

	v, err := store.FindVendorByName(ctx, name)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}

	if len(name) >= minFuzzyLen {
		all, err := store.ListVendors(ctx)
		if err != nil {
			return nil, err
		}
		if best := bestFuzzy(all, name); best != nil {
			return best, nil
		}
	}

	return store.EnsureVendor(ctx, name)
}

// bestFuzzy prefers the longest stored name so "Acme Supplies" beats "Acme".
func bestFuzzy(vendors []*entity.Vendor, name string) *entity.Vendor {
	needle := strings.ToLower(name)
	var best *entity.Vendor
	for _, v := range vendors {
		stored := strings.ToLower(strings.TrimSpace(v.Name))
		if len(stored) < minFuzzyLen {
			continue
		}
		if !strings.Contains(stored, needle) && !strings.Contains(needle, stored) {
			continue
		}
		if best == nil || len(v.Name) > len(best.Name) {
			best = v
		}
	}
	return best
}
