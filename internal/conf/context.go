package conf

import "github.com/tphakala/skywatch/internal/buildinfo"

// Context carries what every command needs. Settings is filled in by the
// root command once flags are parsed and configuration is loaded.
type Context struct {
	Settings *Settings
	Build    *buildinfo.Context
}
