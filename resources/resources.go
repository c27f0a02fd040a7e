package resources

import "embed"

//go:embed migrations templates.yml
var FS embed.FS
