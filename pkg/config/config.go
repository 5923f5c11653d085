// Package config reads the setup file of a bridge run.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/zwpku/torchann-plumed/pkg/bridge"
)

// Config lists the actions in the order they are evaluated each step.
type Config struct {
	// CacheDir holds downloaded models. A leading ~/ is expanded.
	CacheDir string   `yaml:"cacheDir,omitempty"`
	Actions  []Action `yaml:"actions" validate:"required,min=1,unique=Label,dive"`
}

// Action configures one bridge.
type Action struct {
	Label  string `yaml:"label" validate:"required,excludesall=. "`
	Action string `yaml:"action" validate:"required,oneof=TORCHFUNC TORCHANN TORCHANNFUNC TORCHCOLVAR"`
	// ModuleFile is a local path or a gs://, http:// or https:// reference.
	ModuleFile string `yaml:"moduleFile" validate:"required"`
	NumOutput  int    `yaml:"numOutput" validate:"gt=0"`
	// Arg names the scalar arguments: trajectory fields or label.output-i of earlier actions.
	Arg []string `yaml:"arg,omitempty" validate:"dive,required"`
}

const DefaultCacheDir = "~/.cache/torchbridge/models"

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	validate.RegisterStructValidation(validateAction, Action{})
}

// validateAction checks that function actions have arguments and colvar actions do not.
func validateAction(sl validator.StructLevel) {
	a := sl.Current().Interface().(Action)
	colvar := a.Action == bridge.ActionColvar
	switch {
	case colvar && len(a.Arg) != 0:
		sl.ReportError(a.Arg, "arg", "Arg", "excluded_if", bridge.ActionColvar)
	case !colvar && len(a.Arg) == 0:
		sl.ReportError(a.Arg, "arg", "Arg", "required_unless", bridge.ActionColvar)
	}
}

// IsColvar reports whether the action reads particle positions.
func (a *Action) IsColvar() bool {
	return a.Action == bridge.ActionColvar
}

func (a *Action) BridgeConfig(moduleFile string) bridge.Config {
	return bridge.Config{
		Label:      a.Label,
		Action:     a.Action,
		ModuleFile: moduleFile,
		NumOutput:  a.NumOutput,
	}
}

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %q: %w", path, err)
	}
	return c, nil
}

func Parse(data []byte) (*Config, error) {
	c := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return nil, fmt.Errorf("parsing yaml: %w", err)
	}

	for i := range c.Actions {
		c.Actions[i].Action = strings.ToUpper(c.Actions[i].Action)
	}
	if c.CacheDir == "" {
		c.CacheDir = DefaultCacheDir
	}
	cacheDir, err := ExpandHome(c.CacheDir)
	if err != nil {
		return nil, err
	}
	c.CacheDir = cacheDir

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		field, _ := strings.CutPrefix(fe.Namespace(), "Config.")
		msg := fmt.Sprintf("%s: failed %q", field, fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("%s: failed %s=%s", field, fe.Tag(), fe.Param())
		}
		msgs = append(msgs, errors.New(msg))
	}
	return errors.Join(msgs...)
}

// Action returns the action with the given label.
func (c *Config) Action(label string) (*Action, bool) {
	i := slices.IndexFunc(c.Actions, func(a Action) bool { return a.Label == label })
	if i < 0 {
		return nil, false
	}
	return &c.Actions[i], true
}

// ExpandHome replaces a leading ~/ with the user's home directory.
func ExpandHome(p string) (string, error) {
	if !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, strings.TrimPrefix(p, "~/")), nil
}
