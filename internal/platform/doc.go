// Package platform holds OS-specific process handling for external tools.
package platform
