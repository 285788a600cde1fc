package job

import (
	"fmt"

	"github.com/quarryhq/quarry/pkg/accept"
	"github.com/quarryhq/quarry/pkg/naming"
)

// Options carries the per-job download policy.
//
// NOTE: Options are persisted in the job cache and are part of the stable
// on-disk contract.
type Options struct {
	// SaveTo is the directory downloads are written under.
	SaveTo string `json:"save_to" mapstructure:"save_to"`

	// AcceptTypes are glob patterns over MIME types and filenames
	// ("image/*", "*.zip"). Empty accepts everything.
	AcceptTypes []string `json:"accept_types,omitempty" mapstructure:"accept_types"`

	// OverwriteMode controls collision handling for rendered save paths.
	OverwriteMode naming.OverwriteMode `json:"overwrite_mode" mapstructure:"overwrite_mode"`

	// NamingPattern is the filename template. Empty selects a default per
	// job kind.
	NamingPattern string `json:"naming_pattern" mapstructure:"naming_pattern"`

	// NamingPatterns overrides NamingPattern per job kind ("single",
	// "gallery"). A kind's entry wins over NamingPattern.
	NamingPatterns map[string]string `json:"naming_patterns,omitempty" mapstructure:"naming_patterns"`
}

// Validate checks the options and compiles the accept filter.
func (o *Options) Validate() (*accept.Filter, error) {
	if o.SaveTo == "" {
		return nil, fmt.Errorf("save_to is required")
	}
	mode, err := naming.ParseOverwriteMode(string(o.OverwriteMode))
	if err != nil {
		return nil, err
	}
	o.OverwriteMode = mode
	return accept.New(o.AcceptTypes)
}

// Default naming patterns applied when Options.NamingPattern is empty.
const (
	defaultSinglePattern  = "%title%.%ext%"
	defaultGalleryPattern = "%title%/%page_num%.%ext%"
)
