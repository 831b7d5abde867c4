// Package dicomuid holds the DICOM UID constants the gateway needs to
// recognize at the protocol boundary: verification, the storage SOP
// classes scanners actually push, and a couple of well known transfer
// syntaxes. It intentionally does not attempt to be an exhaustive PS3.6
// registry — the gateway forwards bytes for any SOP class an AE has been
// configured to allow, it doesn't interpret them.
package dicomuid

// Application context negotiated on every association.
const ApplicationContextUID = "1.2.840.10008.3.1.1.1"

// Verification Service.
const Verification = "1.2.840.10008.1.1"

// Storage Service SOP classes, the ones scanners push in practice.
const (
	ComputedRadiographyImageStorage = "1.2.840.10008.5.1.4.1.1.1"
	DigitalXRayImageStorageForPresentation = "1.2.840.10008.5.1.4.1.1.1.1"
	CTImageStorage                   = "1.2.840.10008.5.1.4.1.1.2"
	EnhancedCTImageStorage           = "1.2.840.10008.5.1.4.1.1.2.1"
	UltrasoundImageStorage           = "1.2.840.10008.5.1.4.1.1.6.1"
	UltrasoundMultiFrameImageStorage = "1.2.840.10008.5.1.4.1.1.3.1"
	MRImageStorage                   = "1.2.840.10008.5.1.4.1.1.4"
	EnhancedMRImageStorage           = "1.2.840.10008.5.1.4.1.1.4.1"
	NuclearMedicineImageStorage      = "1.2.840.10008.5.1.4.1.1.20"
	SecondaryCaptureImageStorage     = "1.2.840.10008.5.1.4.1.1.7"
	XRayAngiographicImageStorage     = "1.2.840.10008.5.1.4.1.1.12.1"
	PETImageStorage                  = "1.2.840.10008.5.1.4.1.1.128"
	RTImageStorage                   = "1.2.840.10008.5.1.4.1.1.481.1"
	RTStructureSetStorage            = "1.2.840.10008.5.1.4.1.1.481.3"
	RTPlanStorage                    = "1.2.840.10008.5.1.4.1.1.481.5"
	VLWholeSlideMicroscopyImageStorage = "1.2.840.10008.5.1.4.1.1.77.1.6"
	EncapsulatedPDFStorage           = "1.2.840.10008.5.1.4.1.1.104.1"
)

// Transfer syntaxes the SCP advertises during association negotiation.
const (
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
	ExplicitVRBigEndian    = "1.2.840.10008.1.2.2"
)

// DefaultTransferSyntaxes lists the little-endian transfer syntaxes. There is
// no per-AE transfer-syntax configuration, and the SCP's own transfer-syntax
// check also accepts ExplicitVRBigEndian.
var DefaultTransferSyntaxes = []string{
	ExplicitVRLittleEndian,
	ImplicitVRLittleEndian,
}

// StorageSOPClasses is the registry behind IsStorageSOPClass. SetDefaultValues
// does not use it and SOP-class filtering does not consult it: an AE whose
// allowedSopClasses and ignoredSopClasses are both empty accepts every SOP
// class per spec.md 4.1.
var StorageSOPClasses = map[string]bool{
	ComputedRadiographyImageStorage:    true,
	DigitalXRayImageStorageForPresentation: true,
	CTImageStorage:                     true,
	EnhancedCTImageStorage:             true,
	UltrasoundImageStorage:             true,
	UltrasoundMultiFrameImageStorage:   true,
	MRImageStorage:                     true,
	EnhancedMRImageStorage:             true,
	NuclearMedicineImageStorage:        true,
	SecondaryCaptureImageStorage:       true,
	XRayAngiographicImageStorage:       true,
	PETImageStorage:                    true,
	RTImageStorage:                     true,
	RTStructureSetStorage:              true,
	RTPlanStorage:                      true,
	VLWholeSlideMicroscopyImageStorage: true,
	EncapsulatedPDFStorage:             true,
}

// IsStorageSOPClass reports whether uid names a known storage SOP class.
// Unknown UIDs are not rejected by this check alone — SOP-class filtering is
// driven by the AE's own allow/ignore lists, not by this registry.
func IsStorageSOPClass(uid string) bool {
	return StorageSOPClasses[uid]
}
