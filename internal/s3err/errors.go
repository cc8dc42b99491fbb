package s3err

import (
	"context"
	"encoding/xml"
	"errors"
	"net/http"

	"github.com/bltavares/aricanduva/internal/ipfs"
	"github.com/bltavares/aricanduva/internal/metadata"
	"github.com/bltavares/aricanduva/internal/multipart"
	"github.com/bltavares/aricanduva/internal/s3"
	"github.com/bltavares/aricanduva/internal/sigv4"
)

type APIError struct {
	Code       string
	Message    string
	StatusCode int
}

func (e APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Taxonomy per §7: authentication (403), not-found (404), validation
// (400), conflict (409, reserved), upstream/server (500/502/503).
var (
	AccessDenied          = APIError{Code: "AccessDenied", Message: "Access Denied", StatusCode: http.StatusForbidden}
	InvalidAccessKeyID    = APIError{Code: "InvalidAccessKeyId", Message: "The AWS Access Key Id you provided does not exist in our records.", StatusCode: http.StatusForbidden}
	SignatureDoesNotMatch = APIError{Code: "SignatureDoesNotMatch", Message: "The request signature we calculated does not match the signature you provided.", StatusCode: http.StatusForbidden}
	RequestTimeTooSkewed  = APIError{Code: "RequestTimeTooSkewed", Message: "The difference between the request time and the current time is too large.", StatusCode: http.StatusForbidden}

	NoSuchBucket = APIError{Code: "NoSuchBucket", Message: "The specified bucket does not exist.", StatusCode: http.StatusNotFound}
	NoSuchKey    = APIError{Code: "NoSuchKey", Message: "The specified key does not exist.", StatusCode: http.StatusNotFound}
	NoSuchUpload = APIError{Code: "NoSuchUpload", Message: "The specified multipart upload does not exist.", StatusCode: http.StatusNotFound}

	InvalidRequest   = APIError{Code: "InvalidRequest", Message: "The request is malformed or invalid for this operation.", StatusCode: http.StatusBadRequest}
	InvalidArgument  = APIError{Code: "InvalidArgument", Message: "An argument to the operation is invalid.", StatusCode: http.StatusBadRequest}
	MalformedXML     = APIError{Code: "MalformedXML", Message: "The XML provided was not well-formed or did not validate against our published schema.", StatusCode: http.StatusBadRequest}
	InvalidPart      = APIError{Code: "InvalidPart", Message: "One or more of the specified parts could not be found.", StatusCode: http.StatusBadRequest}
	InvalidPartOrder = APIError{Code: "InvalidPartOrder", Message: "The list of parts was not in ascending order.", StatusCode: http.StatusBadRequest}
	InvalidBucketName = APIError{Code: "InvalidBucketName", Message: "The specified bucket is not valid.", StatusCode: http.StatusBadRequest}
	IllegalLocationConstraintException = APIError{
		Code:       "IllegalLocationConstraintException",
		Message:    "The specified location-constraint is not valid for this endpoint.",
		StatusCode: http.StatusBadRequest,
	}

	BucketAlreadyOwnedByYou = APIError{Code: "BucketAlreadyOwnedByYou", Message: "Your previous request to create the named bucket succeeded and you already own it.", StatusCode: http.StatusConflict}

	InternalError      = APIError{Code: "InternalError", Message: "We encountered an internal error. Please try again.", StatusCode: http.StatusInternalServerError}
	ServiceUnavailable = APIError{Code: "ServiceUnavailable", Message: "Please reduce your request rate, or the IPFS node is unreachable.", StatusCode: http.StatusServiceUnavailable}
)

type errorResponse struct {
	XMLName   xml.Name `xml:"Error"`
	Code      string   `xml:"Code"`
	Message   string   `xml:"Message"`
	Resource  string   `xml:"Resource,omitempty"`
	RequestID string   `xml:"RequestId"`
}

func Write(w http.ResponseWriter, requestID string, apiErr APIError, resource string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(apiErr.StatusCode)
	_ = xml.NewEncoder(w).Encode(errorResponse{
		Code:      apiErr.Code,
		Message:   apiErr.Message,
		Resource:  resource,
		RequestID: requestID,
	})
}

// MapError dispatches an error from any collaborator (sigv4, metadata,
// multipart, ipfs) to its S3 API error code, per §7's taxonomy.
func MapError(err error) APIError {
	var apiErr APIError
	var maxBytesErr *http.MaxBytesError
	switch {
	case err == nil:
		return InternalError
	case errors.As(err, &apiErr):
		return apiErr
	case errors.As(err, &maxBytesErr):
		return APIError{Code: "EntityTooLarge", Message: "Your proposed upload exceeds the maximum allowed object size.", StatusCode: http.StatusRequestEntityTooLarge}

	case errors.Is(err, metadata.ErrNoSuchBucket):
		return NoSuchBucket
	case errors.Is(err, metadata.ErrNoSuchKey):
		return NoSuchKey

	case errors.Is(err, multipart.ErrNoSuchUpload):
		return NoSuchUpload
	case errors.Is(err, multipart.ErrInvalidPart):
		return InvalidPart
	case errors.Is(err, multipart.ErrInvalidPartOrder):
		return InvalidPartOrder
	case errors.Is(err, multipart.ErrInvalidPartNumber):
		return InvalidArgument
	case errors.Is(err, multipart.ErrRegistryFull):
		return ServiceUnavailable

	case errors.Is(err, ipfs.ErrUpstreamUnavailable):
		return ServiceUnavailable
	case errors.Is(err, ipfs.ErrMalformedResponse):
		return InternalError

	case errors.Is(err, sigv4.ErrInvalidAccessKey):
		return InvalidAccessKeyID
	case errors.Is(err, sigv4.ErrClockSkew):
		return RequestTimeTooSkewed
	case errors.Is(err, sigv4.ErrPresignedURLExpired):
		return AccessDenied
	case errors.Is(err, sigv4.ErrInvalidExpires), errors.Is(err, sigv4.ErrInvalidPayloadHash), errors.Is(err, sigv4.ErrUnsupportedPayloadMode):
		return InvalidRequest
	case errors.Is(err, sigv4.ErrSignatureMismatch), errors.Is(err, sigv4.ErrInvalidCredentialScope), errors.Is(err, sigv4.ErrMalformedAuthorization), errors.Is(err, sigv4.ErrInvalidSignedHeaders), errors.Is(err, sigv4.ErrInvalidAmzDate):
		return SignatureDoesNotMatch

	case errors.Is(err, s3.ErrInvalidRequestPath):
		return InvalidBucketName

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ServiceUnavailable

	default:
		return InternalError
	}
}
