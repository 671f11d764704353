package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/wastesense/internal/logging"
	"github.com/example/wastesense/internal/metrics"
)

const maxResponseBytes = 1 << 20

// HTTPClient calls POST {base}/predict with a multipart "image" field.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPClient builds a client for baseURL. A nil httpClient gets one with
// the given timeout.
func NewHTTPClient(baseURL string, timeout time.Duration, httpClient *http.Client, logger *zap.Logger) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  httpClient,
		logger:  logger.Named("classifier_http"),
	}
}

type errorBody struct {
	Error string `json:"error"`
}

// Classify uploads image and decodes the prediction.
func (c *HTTPClient) Classify(ctx context.Context, image []byte, filename string) (*Prediction, error) {
	if filename == "" {
		filename = "waste.jpg"
	}
	body, contentType, err := encodeImage(image, filename)
	if err != nil {
		return nil, logging.NewOperationError("classifier.encode_image", "", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predict", body)
	if err != nil {
		return nil, logging.NewOperationError("classifier.build_request", "", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		metrics.ClassifierFailTotal.WithLabelValues("http").Inc()
		wrapped := logging.NewOperationError("classifier.predict", "", fmt.Errorf("%w: %v", ErrService, err))
		c.logger.Error("classifier unreachable", zap.Error(wrapped), zap.String("url", c.baseURL))
		return nil, wrapped
	}
	defer resp.Body.Close()
	metrics.ClassifierDurationMs.WithLabelValues("http").Observe(float64(time.Since(start).Milliseconds()))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		metrics.ClassifierFailTotal.WithLabelValues("http").Inc()
		return nil, logging.NewOperationError("classifier.read_response", "", fmt.Errorf("%w: %v", ErrService, err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.ClassifierFailTotal.WithLabelValues("http").Inc()
		var eb errorBody
		_ = json.Unmarshal(raw, &eb)
		msg := eb.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		c.logger.Warn("classifier returned error status", zap.Int("status", resp.StatusCode), zap.String("error", msg))
		return nil, logging.NewOperationError("classifier.predict", "", fmt.Errorf("%w: status %d: %s", ErrService, resp.StatusCode, msg))
	}

	var pred Prediction
	if err := json.Unmarshal(raw, &pred); err != nil {
		metrics.ClassifierFailTotal.WithLabelValues("http").Inc()
		return nil, logging.NewOperationError("classifier.decode_response", "", fmt.Errorf("%w: %v", ErrService, err))
	}
	if err := pred.Validate(); err != nil {
		metrics.ClassifierFailTotal.WithLabelValues("http").Inc()
		return nil, logging.NewOperationError("classifier.validate_response", "", err)
	}
	c.logger.Debug("prediction received", zap.String("waste_type", string(pred.WasteType)), zap.Float64("confidence", pred.Confidence))
	return &pred, nil
}

func encodeImage(image []byte, filename string) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename=%q`, filename))
	header.Set("Content-Type", http.DetectContentType(image))

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(image); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return body, writer.FormDataContentType(), nil
}
