// Package v1 defines the wire types shared between the pull server and the
// local configuration manager: node registration and report payloads, the
// bundle manifest embedded in configuration archives, and the JSON result
// document produced by the configuration executor.
//
// Everything here is serialized, so fields carry explicit json tags and
// changes must stay backward compatible within the v1 surface.
package v1
