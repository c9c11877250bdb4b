package faults

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	smithy "github.com/aws/smithy-go"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

// Not exhaustive; extend as providers surface new codes.
var (
	awsThrottleCodes = codeSet(
		"Throttling",
		"ThrottlingException",
		"ThrottledException",
		"RequestLimitExceeded",
		"RequestThrottled",
		"RequestThrottledException",
		"TooManyRequestsException",
		"ProvisionedThroughputExceededException",
		"SlowDown",
		"EC2ThrottledException",
	)
	awsAuthCodes = codeSet(
		"AuthFailure",
		"InvalidClientTokenId",
		"UnrecognizedClientException",
		"ExpiredToken",
		"ExpiredTokenException",
		"InvalidSignatureException",
		"SignatureDoesNotMatch",
	)
	awsPermissionCodes = codeSet(
		"AccessDenied",
		"AccessDeniedException",
		"UnauthorizedOperation",
		"UnauthorizedAccess",
		"OptInRequired",
		"Forbidden",
	)
	awsConflictCodes = codeSet(
		"ConflictException",
		"ResourceInUseException",
		"DependencyViolation",
		"ConcurrentModificationException",
		"IncorrectState",
	)
	awsValidationCodes = codeSet(
		"ValidationError",
		"ValidationException",
		"InvalidParameterValue",
		"InvalidParameterCombination",
		"MalformedPolicyDocument",
		"MissingParameter",
	)
	awsLimitCodes = codeSet(
		"LimitExceeded",
		"LimitExceededException",
		"ServiceQuotaExceededException",
		"QuotaExceededException",
		"VcpuLimitExceeded",
	)
	awsServiceCodes = codeSet(
		"ServiceUnavailable",
		"ServiceUnavailableException",
		"ServiceFailure",
		"InternalError",
		"InternalFailure",
		"InternalServerError",
	)
)

func codeSet(codes ...string) map[string]bool {
	m := make(map[string]bool, len(codes))
	for _, c := range codes {
		m[c] = true
	}
	return m
}

// Classify walks the error chain and maps it onto the taxonomy. Already
// classified faults pass through unchanged; anything unrecognized becomes
// CategoryUnknown, non-retryable.
func Classify(err error) *Fault {
	if err == nil {
		return nil
	}

	var f *Fault
	if errors.As(err, &f) {
		return f
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Fault{Category: CategoryUnknown, Code: "canceled", Message: err.Error(), Err: err}
	}

	if f := classifyAWS(err); f != nil {
		return f
	}
	if f := classifyAzure(err); f != nil {
		return f
	}
	if f := classifyGCP(err); f != nil {
		return f
	}
	if f := classifyGRPC(err); f != nil {
		return f
	}
	if f := classifyKubernetes(err); f != nil {
		return f
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fault(CategoryNetwork, "network", err)
	}

	return &Fault{Category: CategoryUnknown, Message: err.Error(), Err: err}
}

func classifyAWS(err error) *Fault {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return nil
	}
	code := apiErr.ErrorCode()
	switch {
	case awsThrottleCodes[code]:
		return fault(CategoryThrottle, code, err)
	case awsAuthCodes[code]:
		return fault(CategoryAuth, code, err)
	case awsPermissionCodes[code]:
		return fault(CategoryPermission, code, err)
	case awsConflictCodes[code]:
		return fault(CategoryConflict, code, err)
	case awsValidationCodes[code]:
		return fault(CategoryValidation, code, err)
	case awsLimitCodes[code]:
		return fault(CategoryLimit, code, err)
	case awsServiceCodes[code]:
		return fault(CategoryService, code, err)
	case strings.HasSuffix(code, ".NotFound"),
		strings.HasSuffix(code, "NotFound"),
		strings.HasSuffix(code, "NotFoundException"),
		strings.HasPrefix(code, "NoSuch"):
		return fault(CategoryNotFound, code, err)
	default:
		return fault(CategoryUnknown, code, err)
	}
}

func classifyAzure(err error) *Fault {
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		return nil
	}
	code := respErr.ErrorCode
	if code == "" {
		code = strconv.Itoa(respErr.StatusCode)
	}
	f := faultFromHTTPStatus(respErr.StatusCode, code, err)
	if respErr.RawResponse != nil {
		if after := parseRetryAfter(respErr.RawResponse.Header.Get("Retry-After")); after > 0 {
			f.RetryAfter = after
		}
	}
	return f
}

func classifyGCP(err error) *Fault {
	var gErr *googleapi.Error
	if !errors.As(err, &gErr) {
		return nil
	}
	code := strconv.Itoa(gErr.Code)
	for _, item := range gErr.Errors {
		if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
			return fault(CategoryThrottle, item.Reason, err)
		}
		if item.Reason == "quotaExceeded" {
			return fault(CategoryLimit, item.Reason, err)
		}
		if item.Reason != "" {
			code = item.Reason
		}
	}
	return faultFromHTTPStatus(gErr.Code, code, err)
}

func classifyGRPC(err error) *Fault {
	type grpcStatus interface{ GRPCStatus() *status.Status }
	var gs grpcStatus
	if !errors.As(err, &gs) {
		return nil
	}
	st := gs.GRPCStatus()
	code := st.Code().String()
	switch st.Code() {
	case codes.Unauthenticated:
		return fault(CategoryAuth, code, err)
	case codes.PermissionDenied:
		return fault(CategoryPermission, code, err)
	case codes.ResourceExhausted:
		return fault(CategoryThrottle, code, err)
	case codes.NotFound:
		return fault(CategoryNotFound, code, err)
	case codes.AlreadyExists, codes.Aborted:
		return fault(CategoryConflict, code, err)
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
		return fault(CategoryValidation, code, err)
	case codes.DeadlineExceeded:
		return fault(CategoryNetwork, code, err)
	case codes.Unavailable, codes.Internal:
		return fault(CategoryService, code, err)
	default:
		return fault(CategoryUnknown, code, err)
	}
}

func classifyKubernetes(err error) *Fault {
	switch {
	case apierrors.IsUnauthorized(err):
		return fault(CategoryAuth, "Unauthorized", err)
	case apierrors.IsForbidden(err):
		return fault(CategoryPermission, "Forbidden", err)
	case apierrors.IsTooManyRequests(err):
		f := fault(CategoryThrottle, "TooManyRequests", err)
		if seconds, ok := apierrors.SuggestsClientDelay(err); ok {
			f.RetryAfter = time.Duration(seconds) * time.Second
		}
		return f
	case apierrors.IsNotFound(err):
		return fault(CategoryNotFound, "NotFound", err)
	case apierrors.IsConflict(err), apierrors.IsAlreadyExists(err):
		return fault(CategoryConflict, "Conflict", err)
	case apierrors.IsInvalid(err), apierrors.IsBadRequest(err):
		return fault(CategoryValidation, "Invalid", err)
	case apierrors.IsServiceUnavailable(err), apierrors.IsInternalError(err), apierrors.IsServerTimeout(err):
		return fault(CategoryService, "ServerError", err)
	case apierrors.IsTimeout(err):
		return fault(CategoryNetwork, "Timeout", err)
	}
	return nil
}

func faultFromHTTPStatus(statusCode int, code string, err error) *Fault {
	switch {
	case statusCode == http.StatusUnauthorized:
		return fault(CategoryAuth, code, err)
	case statusCode == http.StatusForbidden:
		return fault(CategoryPermission, code, err)
	case statusCode == http.StatusNotFound:
		return fault(CategoryNotFound, code, err)
	case statusCode == http.StatusConflict:
		return fault(CategoryConflict, code, err)
	case statusCode == http.StatusTooManyRequests:
		return fault(CategoryThrottle, code, err)
	case statusCode == http.StatusBadRequest:
		return fault(CategoryValidation, code, err)
	case statusCode >= 500:
		return fault(CategoryService, code, err)
	default:
		return fault(CategoryUnknown, code, err)
	}
}

func fault(category Category, code string, err error) *Fault {
	return &Fault{
		Category:  category,
		Code:      code,
		Message:   err.Error(),
		Retryable: retryableCategories[category],
		Err:       err,
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return 0
}
