// Package calibre converts DRM-free e-books between formats with Calibre's
// ebook-convert.
package calibre
