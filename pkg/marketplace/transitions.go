package marketplace

import "fmt"

// TransitionCommands names the two commands that drive a binary toggle
type TransitionCommands struct {
	On  string `yaml:"on"`
	Off string `yaml:"off"`
}

var (
	// DefaultPublishCommands drive the publish toggle. "publish" clears pending.
	DefaultPublishCommands = TransitionCommands{On: "publish", Off: "unpublish"}
	// DefaultFeatureCommands drive the featured toggle
	DefaultFeatureCommands = TransitionCommands{On: "feature", Off: "unfeature"}
)

// Resolve returns true for the On command and false for the Off command
func (c TransitionCommands) Resolve(command string) (bool, error) {
	switch command {
	case c.On:
		return true, nil
	case c.Off:
		return false, nil
	default:
		return false, fmt.Errorf("%w: %q is not one of %q, %q", ErrInvalidState, command, c.On, c.Off)
	}
}

// Validate checks that both commands are set and distinct
func (c TransitionCommands) Validate() error {
	if c.On == "" || c.Off == "" {
		return fmt.Errorf("transition commands must not be empty")
	}
	if c.On == c.Off {
		return fmt.Errorf("transition commands must differ, both are %q", c.On)
	}
	return nil
}

// Transitions applies publish and feature commands. It does not authorize.
type Transitions struct {
	Publish TransitionCommands
	Feature TransitionCommands
}

// DefaultTransitions returns the stock command set
func DefaultTransitions() Transitions {
	return Transitions{Publish: DefaultPublishCommands, Feature: DefaultFeatureCommands}
}

// ApplyPublish derives the extension after a publish or unpublish command
func (t Transitions) ApplyPublish(ext Extension, command string) (Extension, error) {
	published, err := t.Publish.Resolve(command)
	if err != nil {
		return ext, err
	}
	return ext.withPending(!published), nil
}

// ApplyFeature derives the extension after a feature or unfeature command
func (t Transitions) ApplyFeature(ext Extension, command string) (Extension, error) {
	featured, err := t.Feature.Resolve(command)
	if err != nil {
		return ext, err
	}
	return ext.withFeatured(featured), nil
}
