package rtti

import "context"

// Materializer persists records discovered during analysis as structured
// data in the consumer's database. Every method is idempotent: creating
// a record that already exists is a no-op.
type Materializer interface {
	CreateTypeDescriptor(ctx context.Context, addr uint64, typeName string) error
	CreateBaseClassArray(ctx context.Context, addr uint64, count uint32) error
	CreateHierarchyDescriptor(ctx context.Context, addr uint64) error
	CreateThunk(ctx context.Context, addr, target uint64) error
}

// Command is a synchronous metadata-creation step applied against a
// program. Commands observe cancellation through ctx.
type Command interface {
	Name() string
	Apply(ctx context.Context, p *Program) error
}

// CreateTypeDescriptorCommand persists a type descriptor record.
type CreateTypeDescriptorCommand struct {
	Addr     uint64
	TypeName string
}

func (c *CreateTypeDescriptorCommand) Name() string { return "create type descriptor" }

func (c *CreateTypeDescriptorCommand) Apply(ctx context.Context, p *Program) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.Materializer == nil {
		return nil
	}
	return p.Materializer.CreateTypeDescriptor(ctx, c.Addr, c.TypeName)
}

// CreateBaseClassArrayCommand persists a base class array record.
type CreateBaseClassArrayCommand struct {
	Addr  uint64
	Count uint32
}

func (c *CreateBaseClassArrayCommand) Name() string { return "create base class array" }

func (c *CreateBaseClassArrayCommand) Apply(ctx context.Context, p *Program) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.Materializer == nil {
		return nil
	}
	return p.Materializer.CreateBaseClassArray(ctx, c.Addr, c.Count)
}

// CreateHierarchyDescriptorCommand persists a hierarchy descriptor record.
type CreateHierarchyDescriptorCommand struct {
	Addr uint64
}

func (c *CreateHierarchyDescriptorCommand) Name() string { return "create hierarchy descriptor" }

func (c *CreateHierarchyDescriptorCommand) Apply(ctx context.Context, p *Program) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.Materializer == nil {
		return nil
	}
	return p.Materializer.CreateHierarchyDescriptor(ctx, c.Addr)
}

// CreateThunkCommand materializes an explicit thunk record pointing at
// the forwarded target.
type CreateThunkCommand struct {
	Addr   uint64
	Target uint64
}

func (c *CreateThunkCommand) Name() string { return "create thunk" }

func (c *CreateThunkCommand) Apply(ctx context.Context, p *Program) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.Materializer == nil {
		return nil
	}
	return p.Materializer.CreateThunk(ctx, c.Addr, c.Target)
}
