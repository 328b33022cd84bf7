// Package identity implements murmur's user directory.
//
// Users are registered once, receive a ULID id and a sequential "#N" handle from a
// single monotonic counter, and are immutable afterwards except for their avatar.
// The directory is in-memory and owned by the app runtime; it is passed explicitly
// to the components that resolve identities.
package identity
