package domain

import (
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"prefabcore/pkg/dom"
	"prefabcore/pkg/patch"
)

// Members of a template document.
const (
	MemberSource          = "Source"
	MemberContainerEntity = patch.MemberContainerEntity
	MemberEntities        = patch.MemberEntities
	MemberInstances       = patch.MemberInstances
	MemberPatches         = "Patches"
)

// Members of an entity document.
const (
	EntityMemberID         = "Id"
	EntityMemberName       = "Name"
	EntityMemberComponents = "Components"
)

// NormalizePath canonicalises a template source path. Separators become
// forward slashes, the path is cleaned and a leading "./" is dropped.
// Comparison is case-sensitive. The empty path stays empty.
func NormalizePath(p string) string {
	if strings.TrimSpace(p) == "" {
		return ""
	}
	p = strings.ReplaceAll(p, `\`, "/")
	p = path.Clean(p)
	return strings.TrimPrefix(p, "./")
}

// NewTemplateDOM returns an empty template document with a container entity
// named after the source file.
func NewTemplateDOM(source string) map[string]any {
	base := path.Base(NormalizePath(source))
	name := strings.TrimSuffix(base, path.Ext(base))
	if name == "" || name == "." || name == "/" {
		name = MemberContainerEntity
	}
	return map[string]any{
		MemberSource: source,
		MemberContainerEntity: map[string]any{
			EntityMemberID:         MemberContainerEntity,
			EntityMemberName:       name,
			EntityMemberComponents: map[string]any{},
		},
		MemberEntities:  map[string]any{},
		MemberInstances: map[string]any{},
	}
}

// TemplateSource returns the Source member of a template document.
func TemplateSource(doc dom.Value) string {
	obj, ok := dom.AsObject(doc)
	if !ok {
		return ""
	}
	s, _ := obj[MemberSource].(string)
	return s
}

// InstanceRegionPointer addresses the nested instance region for alias.
func InstanceRegionPointer(alias InstanceAlias) dom.Pointer {
	return dom.NewPointer(MemberInstances, alias)
}

// InstanceRegion returns the nested instance region stored under alias.
func InstanceRegion(doc dom.Value, alias InstanceAlias) (map[string]any, bool) {
	v, err := InstanceRegionPointer(alias).Get(doc)
	if err != nil {
		return nil, false
	}
	return dom.AsObject(v)
}

// InstanceRegionAliases lists the aliases of every nested instance region in
// sorted order.
func InstanceRegionAliases(doc dom.Value) []InstanceAlias {
	obj, ok := dom.AsObject(doc)
	if !ok {
		return nil
	}
	regions, ok := dom.AsObject(obj[MemberInstances])
	if !ok {
		return nil
	}
	return dom.SortedKeys(regions)
}

// SetInstanceRegion stores region under /Instances/<alias>, creating the
// Instances member when it is missing.
func SetInstanceRegion(doc dom.Value, alias InstanceAlias, region dom.Value) error {
	obj, ok := dom.AsObject(doc)
	if !ok {
		return fmt.Errorf("%w: document is %s, not an object", ErrInvalidDocument, dom.KindOf(doc))
	}
	regions, err := dom.EnsureObject(obj, MemberInstances)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	regions[alias] = region
	return nil
}

// RemoveInstanceRegion deletes /Instances/<alias> when present.
func RemoveInstanceRegion(doc dom.Value, alias InstanceAlias) {
	obj, ok := dom.AsObject(doc)
	if !ok {
		return
	}
	if regions, ok := dom.AsObject(obj[MemberInstances]); ok {
		delete(regions, alias)
	}
}

// EntityAliases lists the entity aliases declared under /Entities, sorted.
func EntityAliases(doc dom.Value) []string {
	obj, ok := dom.AsObject(doc)
	if !ok {
		return nil
	}
	entities, ok := dom.AsObject(obj[MemberEntities])
	if !ok {
		return nil
	}
	return dom.SortedKeys(entities)
}

// SortLinkIDs sorts ids ascending in place and returns them.
func SortLinkIDs(ids []LinkID) []LinkID {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// SortTemplateIDs sorts ids ascending in place and returns them.
func SortTemplateIDs(ids []TemplateID) []TemplateID {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// GenerateAlias returns the smallest alias of the form "a<N>" for which
// taken reports false.
func GenerateAlias(taken func(InstanceAlias) bool) InstanceAlias {
	for i := 0; ; i++ {
		alias := "a" + strconv.Itoa(i)
		if !taken(alias) {
			return alias
		}
	}
}
