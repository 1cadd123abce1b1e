package fabric

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrTableFull        = errors.New("fabric: table full")
	ErrFabricNotFound   = errors.New("fabric: not found")
	ErrFabricConflict   = errors.New("fabric: fabric already exists with same root key and fabric ID")
	ErrLabelConflict    = errors.New("fabric: label already in use")
	ErrFabricIndexInUse = errors.New("fabric: fabric index already in use")
)

// TableConfig sets the fabric table's capacity.
type TableConfig struct {
	// MaxFabrics is clamped to [MinSupportedFabrics, MaxSupportedFabrics].
	MaxFabrics uint8
}

// DefaultTableConfig returns a config capped at DefaultSupportedFabrics.
func DefaultTableConfig() TableConfig {
	return TableConfig{
		MaxFabrics: DefaultSupportedFabrics,
	}
}

// Table is the set of fabrics this node is commissioned into, backing
// the Operational Credentials cluster's fabric-table attributes. Safe
// for concurrent use.
type Table struct {
	mu      sync.RWMutex
	fabrics map[FabricIndex]*FabricInfo
	config  TableConfig
}

// NewTable returns an empty table, clamping config.MaxFabrics into range.
func NewTable(config TableConfig) *Table {
	if config.MaxFabrics < MinSupportedFabrics {
		config.MaxFabrics = MinSupportedFabrics
	}
	if config.MaxFabrics > MaxSupportedFabrics {
		config.MaxFabrics = MaxSupportedFabrics
	}

	return &Table{
		fabrics: make(map[FabricIndex]*FabricInfo),
		config:  config,
	}
}

// Add inserts info (cloned, so the caller's copy stays theirs) at its
// FabricIndex, rejecting a full table, a reused index, or a fabric that
// already shares info's root key and fabric ID.
func (t *Table) Add(info *FabricInfo) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.fabrics) >= int(t.config.MaxFabrics) {
		return ErrTableFull
	}

	if _, exists := t.fabrics[info.FabricIndex]; exists {
		return ErrFabricIndexInUse
	}

	for _, existing := range t.fabrics {
		if existing.MatchesRootPublicKey(info.RootPublicKey) &&
			existing.FabricID == info.FabricID {
			return ErrFabricConflict
		}
	}

	t.fabrics[info.FabricIndex] = info.Clone()
	return nil
}

// Remove deletes the fabric at index, or ErrFabricNotFound if absent.
func (t *Table) Remove(index FabricIndex) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.fabrics[index]; !exists {
		return ErrFabricNotFound
	}

	delete(t.fabrics, index)
	return nil
}

// Get returns a clone of the fabric at index, or (nil, false) if absent.
func (t *Table) Get(index FabricIndex) (*FabricInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	info, exists := t.fabrics[index]
	if !exists {
		return nil, false
	}
	return info.Clone(), true
}

// Update runs fn against the live (not cloned) FabricInfo at index under
// the table's write lock, persisting whatever fn mutates in place.
func (t *Table) Update(index FabricIndex, fn func(*FabricInfo) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	info, exists := t.fabrics[index]
	if !exists {
		return ErrFabricNotFound
	}

	return fn(info)
}

// findLocked returns a clone of the first fabric matching predicate,
// called under the table's read lock. Every FindBy* method below is a
// thin wrapper supplying its own predicate.
func (t *Table) findLocked(predicate func(*FabricInfo) bool) (*FabricInfo, bool) {
	for _, info := range t.fabrics {
		if predicate(info) {
			return info.Clone(), true
		}
	}
	return nil, false
}

// FindByRootPublicKey returns the fabric whose root key matches rootPubKey.
func (t *Table) FindByRootPublicKey(rootPubKey [RootPublicKeySize]byte) (*FabricInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.findLocked(func(info *FabricInfo) bool {
		return info.MatchesRootPublicKey(rootPubKey)
	})
}

// FindByCompressedFabricID returns the fabric whose compressed fabric ID matches cfid.
func (t *Table) FindByCompressedFabricID(cfid [CompressedFabricIDSize]byte) (*FabricInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.findLocked(func(info *FabricInfo) bool {
		return info.MatchesCompressedFabricID(cfid)
	})
}

// FindByFabricID returns a fabric with the given fabric ID. Distinct root
// CAs sharing one fabric ID is unusual but not impossible; this returns
// whichever one the table iterates to first.
func (t *Table) FindByFabricID(fabricID FabricID) (*FabricInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.findLocked(func(info *FabricInfo) bool {
		return info.FabricID == fabricID
	})
}

// FindByRootAndFabricID is the full fabric-reference lookup: root key and
// fabric ID must both match.
func (t *Table) FindByRootAndFabricID(rootPubKey [RootPublicKeySize]byte, fabricID FabricID) (*FabricInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.findLocked(func(info *FabricInfo) bool {
		return info.MatchesRootPublicKey(rootPubKey) && info.FabricID == fabricID
	})
}

// List returns a clone of every fabric in the table.
func (t *Table) List() []*FabricInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*FabricInfo, 0, len(t.fabrics))
	for _, info := range t.fabrics {
		result = append(result, info.Clone())
	}
	return result
}

// Count reports how many fabrics are currently in the table.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.fabrics)
}

// SupportedFabrics returns the table's configured capacity.
func (t *Table) SupportedFabrics() uint8 {
	return t.config.MaxFabrics
}

// CommissionedFabrics reports how many fabrics are currently occupied.
func (t *Table) CommissionedFabrics() uint8 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return uint8(len(t.fabrics))
}

// AllocateFabricIndex finds the lowest unused index, or ErrTableFull if
// the table is at capacity or every index is taken.
func (t *Table) AllocateFabricIndex() (FabricIndex, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.fabrics) >= int(t.config.MaxFabrics) {
		return FabricIndexInvalid, ErrTableFull
	}

	for idx := FabricIndexMin; idx <= FabricIndexMax; idx++ {
		if _, exists := t.fabrics[idx]; !exists {
			return idx, nil
		}
	}

	return FabricIndexInvalid, ErrTableFull
}

// IsFabricIndexInUse reports whether index names an occupied slot.
func (t *Table) IsFabricIndexInUse(index FabricIndex) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, exists := t.fabrics[index]
	return exists
}

// UpdateLabel sets the label on the fabric at index, rejecting a
// duplicate of another fabric's non-empty label.
func (t *Table) UpdateLabel(index FabricIndex, label string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	info, exists := t.fabrics[index]
	if !exists {
		return ErrFabricNotFound
	}

	if label != "" {
		for idx, other := range t.fabrics {
			if idx != index && other.Label == label {
				return ErrLabelConflict
			}
		}
	}

	return info.SetLabel(label)
}

// IsLabelInUse reports whether any fabric other than excludeIndex
// already carries label (empty labels never count as in use).
func (t *Table) IsLabelInUse(label string, excludeIndex FabricIndex) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if label == "" {
		return false
	}

	for idx, info := range t.fabrics {
		if idx != excludeIndex && info.Label == label {
			return true
		}
	}
	return false
}

// GetNOCsList builds the Operational Credentials cluster's NOCs attribute.
func (t *Table) GetNOCsList() []NOCStruct {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]NOCStruct, 0, len(t.fabrics))
	for _, info := range t.fabrics {
		result = append(result, info.GetNOCStruct())
	}
	return result
}

// GetFabricsList builds the Operational Credentials cluster's Fabrics attribute.
func (t *Table) GetFabricsList() []FabricDescriptorStruct {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]FabricDescriptorStruct, 0, len(t.fabrics))
	for _, info := range t.fabrics {
		result = append(result, info.GetFabricDescriptor())
	}
	return result
}

// GetTrustedRootCertificates builds the TrustedRootCertificates
// attribute, copying each cert so callers can't mutate the table's copy.
func (t *Table) GetTrustedRootCertificates() [][]byte {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([][]byte, 0, len(t.fabrics))
	for _, info := range t.fabrics {
		cert := make([]byte, len(info.RootCert))
		copy(cert, info.RootCert)
		result = append(result, cert)
	}
	return result
}

// Clear empties the table, as on a factory reset.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fabrics = make(map[FabricIndex]*FabricInfo)
}

// ForEach calls fn with a read-only view of every fabric, stopping and
// returning early if fn errors. Use Update to modify a fabric in place.
func (t *Table) ForEach(fn func(*FabricInfo) error) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, info := range t.fabrics {
		if err := fn(info); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) String() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return fmt.Sprintf("FabricTable{Count=%d, Max=%d}", len(t.fabrics), t.config.MaxFabrics)
}
