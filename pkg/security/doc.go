// Package security builds TLS configurations for DICOM associations:
// client-side material per destination and the optional mutual-TLS
// listener config for the SCP.
package security
