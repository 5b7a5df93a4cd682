// Package adept wraps the libgourou command-line tools that talk to Adobe's
// ADEPT license servers and remove ADEPT encryption.
//
// Fulfiller runs acsmdownloader, Stripper runs adept_remove and Activator runs
// adept_activate. All three receive the device Activation explicitly; nothing
// here reads the activation directory implicitly from $HOME.
package adept
