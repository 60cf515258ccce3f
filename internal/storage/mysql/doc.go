// Package mysql persists the plugin operation journal in MySQL. It applies the
// embedded schema migrations on startup.
package mysql
