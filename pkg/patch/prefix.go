package patch

import "prefabcore/pkg/dom"

// Template document members that patch paths are rooted under.
const (
	MemberInstances       = "Instances"
	MemberEntities        = "Entities"
	MemberContainerEntity = "ContainerEntity"
)

// AppendPathPrefix returns a copy of p with prefix prepended to every path.
func AppendPathPrefix(p Patch, prefix dom.Pointer) Patch {
	out := p.Clone()
	for i := range out {
		out[i].Path = out[i].Path.Prefix(prefix)
	}
	return out
}

// AppendAliasPrefix roots every path under the nested instance region of
// alias, turning a patch against a nested instance's document into one
// against its owning template's document.
func AppendAliasPrefix(p Patch, alias string) Patch {
	return AppendPathPrefix(p, dom.NewPointer(MemberInstances, alias))
}

// AppendEntityAliasPrefix roots every path under an entity of a template
// document. The container entity lives at /ContainerEntity; every other
// entity lives at /Entities/<alias>.
func AppendEntityAliasPrefix(p Patch, entityAlias string, container bool) Patch {
	if container {
		return AppendPathPrefix(p, dom.NewPointer(MemberContainerEntity))
	}
	return AppendPathPrefix(p, dom.NewPointer(MemberEntities, entityAlias))
}

// Overlapping returns the pairs of paths from a and b where one addresses a
// location inside the other.
func Overlapping(a, b []dom.Pointer) [][2]dom.Pointer {
	var out [][2]dom.Pointer
	for _, pa := range a {
		for _, pb := range b {
			if pa.Overlaps(pb) {
				out = append(out, [2]dom.Pointer{pa, pb})
			}
		}
	}
	return out
}
