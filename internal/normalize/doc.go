// Package normalize computes and applies gain to decoded PCM.
package normalize
