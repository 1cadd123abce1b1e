// Package operationalcredentials provides controller-side TLV encode/decode
// for the Node Operational Credentials cluster's commands (Spec 11.17).
//
// Only the client perspective is implemented: a commissioner drives a
// device through CSRRequest, AddTrustedRootCertificate, and AddNOC during
// the commissioning flow (see pkg/commissioning). Accessory-side command
// dispatch is out of scope.
package operationalcredentials

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/openmatterio/mattergo/pkg/tlv"
)

// ClusterID is the Node Operational Credentials cluster identifier (Spec 11.17.2).
const ClusterID uint32 = 0x003E

// Command identifiers (Spec 11.17.6).
const (
	CmdAttestationRequest           uint32 = 0x00
	CmdAttestationResponse          uint32 = 0x01
	CmdCertificateChainRequest      uint32 = 0x02
	CmdCertificateChainResponse     uint32 = 0x03
	CmdCSRRequest                   uint32 = 0x04
	CmdCSRResponse                  uint32 = 0x05
	CmdAddNOC                       uint32 = 0x06
	CmdUpdateNOC                    uint32 = 0x07
	CmdNOCResponse                  uint32 = 0x08
	CmdUpdateFabricLabel            uint32 = 0x09
	CmdRemoveFabric                 uint32 = 0x0A
	CmdAddTrustedRootCertificate    uint32 = 0x0B
)

// StatusCode is the NOCResponse status byte (Spec 11.17.5.1 / Table 100).
type StatusCode uint8

// Named NOCResponse status codes.
const (
	StatusOK                  StatusCode = 0
	StatusInvalidPublicKey    StatusCode = 1
	StatusInvalidNodeOpId     StatusCode = 2
	StatusInvalidNOC          StatusCode = 3
	StatusMissingCsr          StatusCode = 4
	StatusTableFull           StatusCode = 5
	StatusInvalidAdminSubject StatusCode = 6
	StatusFabricConflict      StatusCode = 9
	StatusLabelConflict       StatusCode = 10
	StatusInvalidFabricIndex  StatusCode = 11
)

func (s StatusCode) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusInvalidPublicKey:
		return "InvalidPublicKey"
	case StatusInvalidNodeOpId:
		return "InvalidNodeOpId"
	case StatusInvalidNOC:
		return "InvalidNOC"
	case StatusMissingCsr:
		return "MissingCsr"
	case StatusTableFull:
		return "TableFull"
	case StatusInvalidAdminSubject:
		return "InvalidAdminSubject"
	case StatusFabricConflict:
		return "FabricConflict"
	case StatusLabelConflict:
		return "LabelConflict"
	case StatusInvalidFabricIndex:
		return "InvalidFabricIndex"
	default:
		return "Unknown"
	}
}

// Error wraps a non-OK NOCResponse status as a named error.
type Error struct {
	Status    StatusCode
	DebugText string
}

func (e *Error) Error() string {
	if e.DebugText != "" {
		return fmt.Sprintf("operationalcredentials: %s: %s", e.Status, e.DebugText)
	}
	return fmt.Sprintf("operationalcredentials: %s", e.Status)
}

// CSRRequest represents the CSRRequest command request (Spec 11.17.6.7).
type CSRRequest struct {
	CSRNonce       []byte
	IsForUpdateNOC bool
}

// CSRResponse represents the CSRRequestResponse (Spec 11.17.6.8).
//
// NOCSRElements is the TLV-wrapped NOCSRElements structure containing the
// embedded ASN.1 CSR; AttestationSignature authenticates it over the
// device's attestation key. Decoding the embedded CSR itself is done by
// DecodeNOCSRElements.
type CSRResponse struct {
	NOCSRElements        []byte
	AttestationSignature []byte
}

// AddTrustedRootCertificateRequest represents the AddTrustedRootCertificate
// request (Spec 11.17.6.16). RootCACertificate is the Matter TLV encoding
// of the root certificate.
type AddTrustedRootCertificateRequest struct {
	RootCACertificate []byte
}

// AddNOCRequest represents the AddNOC command request (Spec 11.17.6.10).
type AddNOCRequest struct {
	NOCValue         []byte
	ICACValue        []byte
	IPKValue         [16]byte
	CaseAdminSubject uint64
	AdminVendorID    uint16
}

// NOCResponse represents the NOCResponse (Spec 11.17.6.9), returned by both
// AddNOC and UpdateNOC.
type NOCResponse struct {
	StatusCode  StatusCode
	FabricIndex uint8
	DebugText   string
}

// EncodeCSRRequest encodes a CSRRequest to TLV.
func EncodeCSRRequest(req *CSRRequest) ([]byte, error) {
	var buf bytes.Buffer
	w := tlv.NewWriter(&buf)

	if err := w.StartStructure(tlv.Anonymous()); err != nil {
		return nil, err
	}

	if err := w.PutBytes(tlv.ContextTag(0), req.CSRNonce); err != nil {
		return nil, err
	}

	if req.IsForUpdateNOC {
		if err := w.PutBool(tlv.ContextTag(1), req.IsForUpdateNOC); err != nil {
			return nil, err
		}
	}

	if err := w.EndContainer(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeCSRResponse decodes a CSRRequestResponse from TLV.
func DecodeCSRResponse(data []byte) (*CSRResponse, error) {
	r := tlv.NewReader(bytes.NewReader(data))
	resp := &CSRResponse{}

	if err := r.Next(); err != nil {
		return nil, err
	}
	if r.Type() != tlv.ElementTypeStruct {
		return nil, errors.New("operationalcredentials: expected structure")
	}
	if err := r.EnterContainer(); err != nil {
		return nil, err
	}

	for {
		if err := r.Next(); err != nil {
			break
		}
		tag := r.Tag()
		if !tag.IsContext() {
			continue
		}
		switch tag.TagNumber() {
		case 0: // NOCSRElements
			val, err := r.Bytes()
			if err != nil {
				return nil, err
			}
			resp.NOCSRElements = val
		case 1: // AttestationSignature
			val, err := r.Bytes()
			if err != nil {
				return nil, err
			}
			resp.AttestationSignature = val
		}
	}

	return resp, r.ExitContainer()
}

// DecodeNOCSRElements extracts the embedded CSR DER bytes from a
// NOCSRElements TLV structure (field 0).
func DecodeNOCSRElements(data []byte) ([]byte, error) {
	r := tlv.NewReader(bytes.NewReader(data))

	if err := r.Next(); err != nil {
		return nil, err
	}
	if r.Type() != tlv.ElementTypeStruct {
		return nil, errors.New("operationalcredentials: expected NOCSRElements structure")
	}
	if err := r.EnterContainer(); err != nil {
		return nil, err
	}

	var csr []byte
	for {
		if err := r.Next(); err != nil {
			break
		}
		tag := r.Tag()
		if !tag.IsContext() {
			continue
		}
		if tag.TagNumber() == 0 { // csr
			val, err := r.Bytes()
			if err != nil {
				return nil, err
			}
			csr = val
		}
	}

	if err := r.ExitContainer(); err != nil {
		return nil, err
	}
	if csr == nil {
		return nil, errors.New("operationalcredentials: NOCSRElements missing csr field")
	}
	return csr, nil
}

// EncodeAddTrustedRootCertificateRequest encodes an
// AddTrustedRootCertificate request to TLV.
func EncodeAddTrustedRootCertificateRequest(req *AddTrustedRootCertificateRequest) ([]byte, error) {
	var buf bytes.Buffer
	w := tlv.NewWriter(&buf)

	if err := w.StartStructure(tlv.Anonymous()); err != nil {
		return nil, err
	}
	if err := w.PutBytes(tlv.ContextTag(0), req.RootCACertificate); err != nil {
		return nil, err
	}
	if err := w.EndContainer(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeAddNOCRequest encodes an AddNOC request to TLV.
func EncodeAddNOCRequest(req *AddNOCRequest) ([]byte, error) {
	var buf bytes.Buffer
	w := tlv.NewWriter(&buf)

	if err := w.StartStructure(tlv.Anonymous()); err != nil {
		return nil, err
	}

	if err := w.PutBytes(tlv.ContextTag(0), req.NOCValue); err != nil {
		return nil, err
	}
	if len(req.ICACValue) > 0 {
		if err := w.PutBytes(tlv.ContextTag(1), req.ICACValue); err != nil {
			return nil, err
		}
	}
	if err := w.PutBytes(tlv.ContextTag(2), req.IPKValue[:]); err != nil {
		return nil, err
	}
	if err := w.PutUint(tlv.ContextTag(3), req.CaseAdminSubject); err != nil {
		return nil, err
	}
	if err := w.PutUint(tlv.ContextTag(4), uint64(req.AdminVendorID)); err != nil {
		return nil, err
	}

	if err := w.EndContainer(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeNOCResponse decodes a NOCResponse from TLV and maps a non-OK status
// to a named *Error.
func DecodeNOCResponse(data []byte) (*NOCResponse, error) {
	r := tlv.NewReader(bytes.NewReader(data))
	resp := &NOCResponse{}

	if err := r.Next(); err != nil {
		return nil, err
	}
	if r.Type() != tlv.ElementTypeStruct {
		return nil, errors.New("operationalcredentials: expected structure")
	}
	if err := r.EnterContainer(); err != nil {
		return nil, err
	}

	for {
		if err := r.Next(); err != nil {
			break
		}
		tag := r.Tag()
		if !tag.IsContext() {
			continue
		}
		switch tag.TagNumber() {
		case 0: // StatusCode
			val, err := r.Uint()
			if err != nil {
				return nil, err
			}
			resp.StatusCode = StatusCode(val)
		case 1: // FabricIndex
			val, err := r.Uint()
			if err != nil {
				return nil, err
			}
			resp.FabricIndex = uint8(val)
		case 2: // DebugText
			val, err := r.String()
			if err != nil {
				return nil, err
			}
			resp.DebugText = val
		}
	}

	if err := r.ExitContainer(); err != nil {
		return nil, err
	}

	return resp, nil
}

// CheckStatus returns a named *Error if the response status is not OK.
func (r *NOCResponse) CheckStatus() error {
	if r.StatusCode == StatusOK {
		return nil
	}
	return &Error{Status: r.StatusCode, DebugText: r.DebugText}
}
