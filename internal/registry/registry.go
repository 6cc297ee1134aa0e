// Package registry implements the process-local label and property-type
// name<->handle tables. All peers must populate the same registries, in
// the same order, at database init. The registry itself does not
// enforce that precondition; it is the caller's responsibility.
package registry

import (
	"sync"

	"github.com/cuemby/nod/internal/nodkind"
)

// Handle is the small integer a label or property-type name resolves
// to. Both label and property-type handles are <= 8 bits wide, but the
// two namespaces are independent of each other and of the property
// record-kind markers (EMPTY/LAST/LABEL/ID) reserved in package
// property.
type Handle uint8

// LabelNone is the sentinel label handle: a vertex with no labels is
// indexed under this handle instead of any real label.
const LabelNone Handle = 0xFF

// Labels is a process-local name<->handle table for vertex labels.
// Handles are assigned sequentially starting at 0 in creation order.
type Labels struct {
	mu       sync.RWMutex
	byName   map[string]Handle
	byHandle map[Handle]string
	nextFree int
}

// NewLabels returns an empty label registry.
func NewLabels() *Labels {
	return &Labels{byName: make(map[string]Handle), byHandle: make(map[Handle]string)}
}

// Create registers a new label name, returning its assigned handle.
// Re-creating an already-registered name returns the existing handle
// rather than erroring, since registry population is an idempotent,
// collective, init-time operation in practice.
func (l *Labels) Create(name string) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.byName[name]; ok {
		return h, nil
	}
	if l.nextFree > 0xFE {
		return 0, nodkind.New(nodkind.ErrLabel, "registry: label handle space (8 bits) exhausted")
	}
	h := Handle(l.nextFree)
	l.nextFree++
	l.byName[name] = h
	l.byHandle[h] = name
	return h, nil
}

// ByName looks up a label's handle.
func (l *Labels) ByName(name string) (Handle, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h, ok := l.byName[name]
	if !ok {
		return 0, nodkind.New(nodkind.ErrLabel, "registry: unknown label %q", name)
	}
	return h, nil
}

// ByHandle looks up a label's name.
func (l *Labels) ByHandle(h Handle) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	name, ok := l.byHandle[h]
	if !ok {
		return "", nodkind.New(nodkind.ErrLabel, "registry: unknown label handle %d", h)
	}
	return name, nil
}

// PropertyTypeDef is the immutable metadata the property list needs to
// validate add/update operations against a property type.
type PropertyTypeDef struct {
	Name         string
	Handle       Handle
	DatatypeSize uint32 // byte size of a single element; 0 means caller-defined opaque blob sizing is not enforced per-element
	SingleEntity bool   // true: at most one instance of this type per vertex (SINGLE_ENTITY); false: MULTIPLE_ENTITY
	FixedSize    bool   // true: element count must equal MaxCount exactly; false: element count must be <= MaxCount
	MaxCount     uint32 // maximum (or, if FixedSize, exact) element count
}

// ByteLen returns the exact number of payload bytes a value with the
// given element count occupies.
func (d PropertyTypeDef) ByteLen(count uint32) uint32 {
	return count * d.DatatypeSize
}

// ValidateCount checks count against the fixed/max-size rule (B3).
func (d PropertyTypeDef) ValidateCount(count uint32) error {
	if d.FixedSize && count != d.MaxCount {
		return nodkind.New(nodkind.ErrSizeLimit, "property type %q is fixed-size %d, got count %d", d.Name, d.MaxCount, count)
	}
	if !d.FixedSize && count > d.MaxCount {
		return nodkind.New(nodkind.ErrSizeLimit, "property type %q has max count %d, got %d", d.Name, d.MaxCount, count)
	}
	return nil
}

// PropertyTypes is a process-local name<->handle table for property
// types. Handles are assigned sequentially starting at FirstHandle so
// they never collide with the property record-kind markers package
// property reserves below it.
type PropertyTypes struct {
	mu       sync.RWMutex
	byName   map[string]*PropertyTypeDef
	byHandle map[Handle]*PropertyTypeDef
	nextFree int
}

// FirstHandle is the lowest handle value PropertyTypes will assign;
// handles 0-3 are reserved by package property for EMPTY/LAST/LABEL/ID
// record markers.
const FirstHandle = 4

// NewPropertyTypes returns an empty property-type registry.
func NewPropertyTypes() *PropertyTypes {
	return &PropertyTypes{byName: make(map[string]*PropertyTypeDef), byHandle: make(map[Handle]*PropertyTypeDef), nextFree: FirstHandle}
}

// Create registers a new property type.
func (p *PropertyTypes) Create(name string, datatypeSize uint32, singleEntity, fixedSize bool, maxCount uint32) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d, ok := p.byName[name]; ok {
		return d.Handle, nil
	}
	if p.nextFree > 0xFF {
		return 0, nodkind.New(nodkind.ErrPropertyType, "registry: property-type handle space exhausted")
	}
	h := Handle(p.nextFree)
	p.nextFree++
	def := &PropertyTypeDef{Name: name, Handle: h, DatatypeSize: datatypeSize, SingleEntity: singleEntity, FixedSize: fixedSize, MaxCount: maxCount}
	p.byName[name] = def
	p.byHandle[h] = def
	return h, nil
}

// ByName looks up a property type's definition.
func (p *PropertyTypes) ByName(name string) (*PropertyTypeDef, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	d, ok := p.byName[name]
	if !ok {
		return nil, nodkind.New(nodkind.ErrPropertyType, "registry: unknown property type %q", name)
	}
	return d, nil
}

// ByHandle looks up a property type's definition.
func (p *PropertyTypes) ByHandle(h Handle) (*PropertyTypeDef, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	d, ok := p.byHandle[h]
	if !ok {
		return nil, nodkind.New(nodkind.ErrPropertyType, "registry: unknown property-type handle %d", h)
	}
	return d, nil
}
