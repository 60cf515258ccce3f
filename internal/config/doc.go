// Package config loads the JSON configuration of the plugin console: the SCM
// server it talks to, the operation history store, event forwarding, logging
// and metrics.
package config
