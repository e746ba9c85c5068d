package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"

	"github.com/danmuck/securestore/internal/storage"
)

// Plan is a list of file steps applied as one transaction.
//
//	[[step]]
//	op = "write"
//	name = "keys/current"
//	file = "current.bin"
//
//	[[step]]
//	op = "rename"
//	from = "keys/next"
//	to = "keys/current"
type Plan struct {
	Steps []Step `toml:"step" validate:"min=1,dive"`
}

type Step struct {
	Op   string `toml:"op" validate:"required,oneof=write remove rename truncate"`
	Name string `toml:"name" validate:"required_unless=Op rename"`
	From string `toml:"from" validate:"required_if=Op rename"`
	To   string `toml:"to" validate:"required_if=Op rename"`
	Data string `toml:"data" validate:"excluded_with=File"`
	File string `toml:"file"`
	Size uint64 `toml:"size"`
}

var planValidator = validator.New(validator.WithRequiredStructEnabled())

// LoadPlan reads a plan file. Relative step files resolve against the plan's
// directory.
func LoadPlan(path string) (Plan, error) {
	var p Plan
	meta, err := toml.DecodeFile(path, &p)
	if err != nil {
		return Plan{}, fmt.Errorf("plan %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Plan{}, fmt.Errorf("plan %s: unknown key %s", path, undecoded[0])
	}
	if err := planValidator.Struct(p); err != nil {
		return Plan{}, fmt.Errorf("plan %s: %w", path, err)
	}
	dir := filepath.Dir(path)
	for i := range p.Steps {
		if f := p.Steps[i].File; f != "" && !filepath.IsAbs(f) {
			p.Steps[i].File = filepath.Join(dir, f)
		}
	}
	return p, nil
}

// Apply runs every step in one transaction. Any failed step discards them all.
func (p Plan) Apply(s *storage.Session) error {
	return s.Update(func(tx *storage.Transaction) error {
		for i, step := range p.Steps {
			if err := step.apply(tx); err != nil {
				return fmt.Errorf("step %d (%s): %w", i+1, step, err)
			}
		}
		return nil
	})
}

func (p Plan) Describe(w io.Writer) error {
	for i, step := range p.Steps {
		if _, err := fmt.Fprintf(w, "%d. %s\n", i+1, step); err != nil {
			return err
		}
	}
	return nil
}

func (st Step) apply(tx *storage.Transaction) error {
	switch st.Op {
	case "write":
		data := []byte(st.Data)
		if st.File != "" {
			b, err := os.ReadFile(st.File)
			if err != nil {
				return err
			}
			data = b
		}
		return tx.Write(st.Name, data)
	case "remove":
		return tx.Remove(st.Name)
	case "rename":
		return tx.Rename(st.From, st.To)
	case "truncate":
		f, err := tx.OpenFile(st.Name, storage.Create)
		if err != nil {
			return err
		}
		defer f.Close()
		return tx.SetSize(f, st.Size)
	default:
		return fmt.Errorf("unknown op %q", st.Op)
	}
}

func (st Step) String() string {
	switch st.Op {
	case "rename":
		return fmt.Sprintf("rename %s -> %s", st.From, st.To)
	case "truncate":
		return fmt.Sprintf("truncate %s to %d", st.Name, st.Size)
	case "write":
		if st.File != "" {
			return fmt.Sprintf("write %s from %s", st.Name, st.File)
		}
		return fmt.Sprintf("write %s (%d bytes)", st.Name, len(st.Data))
	default:
		return st.Op + " " + st.Name
	}
}
