// Package textutil provides filename sanitization and display-title helpers.
//
// Artifact names are derived from manifest titles, which can contain any
// Unicode text. These helpers normalize that text into names that are safe on
// every filesystem the output area may live on.
package textutil
