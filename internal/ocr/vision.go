package ocr

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	vision "cloud.google.com/go/vision/v2/apiv1"
	"cloud.google.com/go/vision/v2/apiv1/visionpb"
	"google.golang.org/api/option"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
)

// VisionBackend calls Google Cloud Vision DOCUMENT_TEXT_DETECTION. PDFs and
// TIFFs go through BatchAnnotateFiles, other images through
// BatchAnnotateImages.
type VisionBackend struct {
	client *vision.ImageAnnotatorClient
	logger *slog.Logger
}

// NewVisionBackend dials Vision with credentialsFile, or with application
// default credentials when it is empty.
func NewVisionBackend(ctx context.Context, credentialsFile string, logger *slog.Logger) (*VisionBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := vision.NewImageAnnotatorClient(ctx, opts...)
	if err != nil {
		return nil, NewOCRError("vision.dial", ErrBackendUnavailable, err.Error())
	}
	return &VisionBackend{client: client, logger: logger}, nil
}

func (v *VisionBackend) Name() string { return "vision" }

func (v *VisionBackend) Recognize(ctx context.Context, data []byte, contentType string) (Result, error) {
	features := []*visionpb.Feature{{Type: visionpb.Feature_DOCUMENT_TEXT_DETECTION}}

	if constants.FormatOf(contentType) == constants.PDF || contentType == constants.ContentTypeTIFF {
		resp, err := v.client.BatchAnnotateFiles(ctx, &visionpb.BatchAnnotateFilesRequest{
			Requests: []*visionpb.AnnotateFileRequest{{
				InputConfig: &visionpb.InputConfig{Content: data, MimeType: contentType},
				Features:    features,
			}},
		})
		if err != nil {
			return Result{}, NewOCRError("vision.files", ErrBackendUnavailable, err.Error())
		}
		if len(resp.GetResponses()) == 0 {
			return Result{}, NewOCRError("vision.files", ErrEmptyDocument, "no response")
		}
		fileResp := resp.GetResponses()[0]
		if fileResp.GetError() != nil {
			return Result{}, NewOCRError("vision.files", ErrBackendUnavailable, fileResp.GetError().GetMessage())
		}
		return collectVision(fileResp.GetResponses())
	}

	resp, err := v.client.BatchAnnotateImages(ctx, &visionpb.BatchAnnotateImagesRequest{
		Requests: []*visionpb.AnnotateImageRequest{{
			Image:    &visionpb.Image{Content: data},
			Features: features,
		}},
	})
	if err != nil {
		return Result{}, NewOCRError("vision.images", ErrBackendUnavailable, err.Error())
	}
	return collectVision(resp.GetResponses())
}

func collectVision(pages []*visionpb.AnnotateImageResponse) (Result, error) {
	var (
		b     strings.Builder
		sum   float32
		count int
	)
	for i, page := range pages {
		if page.GetError() != nil {
			return Result{}, NewOCRError("vision.page", ErrBackendUnavailable, fmt.Sprintf("page %d: %s", i+1, page.GetError().GetMessage()))
		}
		full := page.GetFullTextAnnotation()
		if full == nil {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\f\n")
		}
		b.WriteString(full.GetText())
		for _, p := range full.GetPages() {
			if p.GetConfidence() > 0 {
				sum += p.GetConfidence()
				count++
			}
		}
	}
	var conf float32
	if count > 0 {
		conf = sum / float32(count)
	}
	return Result{Text: b.String(), Confidence: conf, Pages: len(pages), Method: "vision"}, nil
}

func (v *VisionBackend) Close() error {
	if v.client != nil {
		return v.client.Close()
	}
	return nil
}
