package core

import (
	"context"
	"fmt"
	"os"
	"testing"

	"prefabcore/internal/entity"
	"prefabcore/internal/instance"
	"prefabcore/pkg/dom"
)

const childDoc = `{
	"Source": "Child.prefab",
	"ContainerEntity": {"Id": "ContainerEntity", "Name": "Child", "Components": {}},
	"Entities": {"Entity_1": {"Id": "Entity_1", "Name": "box", "Components": {"Props": {"p": 0}}}},
	"Instances": {}
}`

type captureLogger struct {
	entries []string
}

func (c *captureLogger) Debug(msg string, args ...any) { c.add("d", msg, args) }
func (c *captureLogger) Info(msg string, args ...any)  { c.add("i", msg, args) }
func (c *captureLogger) Warn(msg string, args ...any)  { c.add("w", msg, args) }
func (c *captureLogger) Error(msg string, args ...any) { c.add("e", msg, args) }

func (c *captureLogger) add(level, msg string, args []any) {
	c.entries = append(c.entries, fmt.Sprintf("%s:%s %v", level, msg, args))
}

func (c *captureLogger) count(prefix string) int {
	n := 0
	for _, e := range c.entries {
		if len(e) >= len(prefix) && e[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

type fixture struct {
	t       *testing.T
	ctx     context.Context
	svc     *Service
	runtime *entity.MemoryRuntime
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	rt := entity.NewMemoryRuntime()
	svc := NewInMemoryService(nil, append([]Option{WithRuntime(rt)}, opts...)...)
	return &fixture{t: t, ctx: context.Background(), svc: svc, runtime: rt}
}

func (f *fixture) template(path string, doc string) TemplateID {
	f.t.Helper()
	var v dom.Value
	if doc != "" {
		v = dom.MustParse(doc)
	}
	tpl, _, err := f.svc.CreateTemplate(f.ctx, path, v)
	if err != nil {
		f.t.Fatalf("create %s: %v", path, err)
	}
	return tpl.ID
}

func (f *fixture) instantiate(id TemplateID) *instance.Instance {
	f.t.Helper()
	inst, err := f.svc.InstantiateTemplate(f.ctx, id)
	if err != nil {
		f.t.Fatalf("instantiate %s: %v", id, err)
	}
	return inst
}

func (f *fixture) drain() {
	f.t.Helper()
	if _, err := f.svc.UpdateTemplateInstancesInQueue(f.ctx); err != nil {
		f.t.Fatalf("drain: %v", err)
	}
}

func (f *fixture) prop(inst *instance.Instance) float64 {
	f.t.Helper()
	id, ok := inst.EntityID("Entity_1")
	if !ok {
		f.t.Fatalf("no Entity_1 in %q", inst.AliasPath())
	}
	e, _ := f.runtime.Entity(id)
	v, err := dom.MustParsePointer("/Props/p").Get(e.Components)
	if err != nil {
		f.t.Fatalf("read p: %v", err)
	}
	return v.(float64)
}

func withEnv(t *testing.T, key, value string) {
	t.Helper()
	prev, had := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("setenv %s: %v", key, err)
	}
	t.Cleanup(func() {
		if had {
			_ = os.Setenv(key, prev)
		} else {
			_ = os.Unsetenv(key)
		}
	})
}
