// Package local implements the host facilities for a single machine: a
// policy or terminal permission prompt, an in-process registration
// registry, token issuance over HTTP (or locally derived), a logging
// displayer with optional shoutrrr mirrors, and a window registry that can
// hand URLs to the system browser.
package local
