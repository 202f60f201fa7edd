package server

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
	"github.com/joseph-ayodele/invoice-pipeline/internal/eventbus"
	"github.com/joseph-ayodele/invoice-pipeline/internal/notify"
	"github.com/joseph-ayodele/invoice-pipeline/internal/pipeline"
	"github.com/joseph-ayodele/invoice-pipeline/internal/repository"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Queue is the dead-letter surface of the event bus.
type Queue interface {
	DeadLetters(ctx context.Context) ([]eventbus.DeadLetter, error)
	Requeue(ctx context.Context, id string) error
	Stats(ctx context.Context) eventbus.Stats
}

// Subscriber hands out notification subscriptions.
type Subscriber interface {
	Subscribe(topic string, buffer int) *notify.Subscription
	Stats() notify.Stats
}

type PipelineServer struct {
	svc    *pipeline.Service
	queue  Queue
	hub    Subscriber
	logger *slog.Logger
}

var _ PipelineServiceServer = (*PipelineServer)(nil)

func NewPipelineServer(svc *pipeline.Service, queue Queue, hub Subscriber, logger *slog.Logger) *PipelineServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &PipelineServer{svc: svc, queue: queue, hub: hub, logger: logger}
}

// fail logs err and maps it onto a gRPC status.
func (s *PipelineServer) fail(method string, err error, args ...any) error {
	st := status.Convert(common.ToStatus(err))
	attrs := append([]any{"method", method, "code", st.Code().String(), "error", err}, args...)
	if st.Code() == codes.Internal || st.Code() == codes.Unavailable {
		s.logger.Error("grpc.request.failed", attrs...)
	} else {
		s.logger.Warn("grpc.request.rejected", attrs...)
	}
	return st.Err()
}

func (s *PipelineServer) CreateBatch(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := pipeline.CreateBatchRequest{
		Name:        str(in, "name"),
		Description: str(in, "description"),
	}
	for i, v := range field(in, "files").GetListValue().GetValues() {
		f := v.GetStructValue()
		if f == nil {
			return nil, s.fail("CreateBatch", common.ValidationError{Field: "files", Value: i, Message: "must be an object"})
		}
		data, err := bytesField(f, "data")
		if err != nil {
			return nil, s.fail("CreateBatch", err, "file_index", i)
		}
		req.Files = append(req.Files, pipeline.Upload{
			FileName:    str(f, "file_name"),
			ContentType: str(f, "content_type"),
			Data:        data,
		})
	}

	b, err := s.svc.CreateBatch(ctx, req)
	if err != nil {
		return nil, s.fail("CreateBatch", err, "name", req.Name, "files", len(req.Files))
	}
	s.logger.Info("grpc.batch.created", "batch_id", b.ID, "files", len(req.Files))
	return toStruct(b)
}

func (s *PipelineServer) GetBatch(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := idField(in, "batch_id")
	if err != nil {
		return nil, s.fail("GetBatch", err)
	}
	b, err := s.svc.GetBatch(ctx, id)
	if err != nil {
		return nil, s.fail("GetBatch", err, "batch_id", id)
	}
	return toStruct(b)
}

func (s *PipelineServer) ListBatches(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	limit, err := intField(in, "limit")
	if err != nil {
		return nil, s.fail("ListBatches", err)
	}
	offset, err := intField(in, "offset")
	if err != nil {
		return nil, s.fail("ListBatches", err)
	}
	bs, err := s.svc.ListBatches(ctx, repository.BatchFilter{
		Status: constants.BatchStatus(str(in, "status")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return nil, s.fail("ListBatches", err)
	}
	return listStruct("batches", bs)
}

func (s *PipelineServer) DeleteBatch(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := idField(in, "batch_id")
	if err != nil {
		return nil, s.fail("DeleteBatch", err)
	}
	if err := s.svc.DeleteBatch(ctx, id); err != nil {
		return nil, s.fail("DeleteBatch", err, "batch_id", id)
	}
	return toStruct(map[string]any{"deleted": true, "batch_id": id})
}

func (s *PipelineServer) CancelBatch(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := idField(in, "batch_id")
	if err != nil {
		return nil, s.fail("CancelBatch", err)
	}
	b, err := s.svc.CancelBatch(ctx, id)
	if err != nil {
		return nil, s.fail("CancelBatch", err, "batch_id", id)
	}
	return toStruct(b)
}

func (s *PipelineServer) RequestAnalysis(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := idField(in, "batch_id")
	if err != nil {
		return nil, s.fail("RequestAnalysis", err)
	}
	queued, err := s.svc.RequestAnalysis(ctx, id)
	if err != nil {
		return nil, s.fail("RequestAnalysis", err, "batch_id", id)
	}
	return toStruct(map[string]any{"batch_id": id, "queued": queued})
}

func (s *PipelineServer) GetAnalysis(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := idField(in, "batch_id")
	if err != nil {
		return nil, s.fail("GetAnalysis", err)
	}
	a, err := s.svc.GetAnalysis(ctx, id)
	if err != nil {
		return nil, s.fail("GetAnalysis", err, "batch_id", id)
	}
	return toStruct(a)
}

func (s *PipelineServer) Chat(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := idField(in, "batch_id")
	if err != nil {
		return nil, s.fail("Chat", err)
	}
	answer, err := s.svc.Chat(ctx, id, field(in, "question").GetStringValue())
	if err != nil {
		return nil, s.fail("Chat", err, "batch_id", id)
	}
	return toStruct(map[string]any{"batch_id": id, "answer": answer})
}

func (s *PipelineServer) ExportBatch(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := idField(in, "batch_id")
	if err != nil {
		return nil, s.fail("ExportBatch", err)
	}
	st, err := invoiceStatus(in)
	if err != nil {
		return nil, s.fail("ExportBatch", err)
	}
	data, err := s.svc.ExportBatch(ctx, id, st)
	if err != nil {
		return nil, s.fail("ExportBatch", err, "batch_id", id)
	}
	return toStruct(map[string]any{
		"file_name":    "batch-" + id.String() + ".xlsx",
		"content_type": xlsxContentType,
		"data":         base64.StdEncoding.EncodeToString(data),
		"size":         len(data),
	})
}

func (s *PipelineServer) GetDocument(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := idField(in, "document_id")
	if err != nil {
		return nil, s.fail("GetDocument", err)
	}
	d, err := s.svc.GetDocument(ctx, id)
	if err != nil {
		return nil, s.fail("GetDocument", err, "document_id", id)
	}
	return toStruct(d)
}

func (s *PipelineServer) ListDocuments(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := idField(in, "batch_id")
	if err != nil {
		return nil, s.fail("ListDocuments", err)
	}
	ds, err := s.svc.ListDocuments(ctx, id)
	if err != nil {
		return nil, s.fail("ListDocuments", err, "batch_id", id)
	}
	return listStruct("documents", ds)
}

func (s *PipelineServer) ReprocessDocument(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := idField(in, "document_id")
	if err != nil {
		return nil, s.fail("ReprocessDocument", err)
	}
	d, err := s.svc.ReprocessDocument(ctx, id)
	if err != nil {
		return nil, s.fail("ReprocessDocument", err, "document_id", id)
	}
	return toStruct(d)
}

func (s *PipelineServer) ListInvoices(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := idField(in, "batch_id")
	if err != nil {
		return nil, s.fail("ListInvoices", err)
	}
	st, err := invoiceStatus(in)
	if err != nil {
		return nil, s.fail("ListInvoices", err)
	}
	invs, err := s.svc.ListInvoices(ctx, id, st)
	if err != nil {
		return nil, s.fail("ListInvoices", err, "batch_id", id)
	}
	return listStruct("invoices", invs)
}

func (s *PipelineServer) ApproveInvoice(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := idField(in, "invoice_id")
	if err != nil {
		return nil, s.fail("ApproveInvoice", err)
	}
	inv, err := s.svc.ApproveInvoice(ctx, id)
	if err != nil {
		return nil, s.fail("ApproveInvoice", err, "invoice_id", id)
	}
	return toStruct(inv)
}

func (s *PipelineServer) RejectInvoice(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := idField(in, "invoice_id")
	if err != nil {
		return nil, s.fail("RejectInvoice", err)
	}
	inv, err := s.svc.RejectInvoice(ctx, id, str(in, "reason"))
	if err != nil {
		return nil, s.fail("RejectInvoice", err, "invoice_id", id)
	}
	return toStruct(inv)
}

func (s *PipelineServer) ListDeadLetters(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	dls, err := s.queue.DeadLetters(ctx)
	if err != nil {
		return nil, s.fail("ListDeadLetters", err)
	}
	return listStruct("dead_letters", dls)
}

func (s *PipelineServer) RequeueDeadLetter(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := str(in, "event_id")
	if err := common.NewValidator().Field("event_id", id, common.Required).Error(); err != nil {
		return nil, s.fail("RequeueDeadLetter", err)
	}
	if err := s.queue.Requeue(ctx, id); err != nil {
		return nil, s.fail("RequeueDeadLetter", err, "event_id", id)
	}
	return toStruct(map[string]any{"event_id": id, "requeued": true})
}

func (s *PipelineServer) GetStats(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return toStruct(map[string]any{
		"bus":    s.queue.Stats(ctx),
		"notify": s.hub.Stats(),
	})
}

// WatchBatch streams a snapshot of the batch followed by its status and
// progress notifications. The stream ends when the batch reaches a
// terminal status or the client goes away.
func (s *PipelineServer) WatchBatch(in *structpb.Struct, stream grpc.ServerStream) error {
	ctx := stream.Context()
	id, err := idField(in, "batch_id")
	if err != nil {
		return s.fail("WatchBatch", err)
	}

	// Subscribe before the snapshot so nothing falls between the two.
	sub := s.hub.Subscribe(notify.BatchTopic(id), 64)
	defer sub.Close()

	b, err := s.svc.GetBatch(ctx, id)
	if err != nil {
		return s.fail("WatchBatch", err, "batch_id", id)
	}
	snap, err := toStruct(map[string]any{"type": "SNAPSHOT", "entityId": id, "status": b.Status, "batch": b})
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	if err := stream.SendMsg(snap); err != nil {
		return err
	}
	if b.Status.IsTerminal() {
		return nil
	}
	s.logger.Debug("grpc.watch.started", "batch_id", id)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.C():
			if !ok {
				return nil
			}
			out, err := toStruct(msg)
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
			if msg.Type == notify.TypeBatchStatusUpdate && constants.BatchStatus(msg.Status).IsTerminal() {
				s.logger.Debug("grpc.watch.done", "batch_id", id, "status", msg.Status)
				return nil
			}
		}
	}
}

func invoiceStatus(in *structpb.Struct) (constants.InvoiceStatus, error) {
	st := constants.InvoiceStatus(str(in, "status"))
	if st != "" && !st.Valid() {
		return "", common.ValidationError{Field: "status", Value: st, Message: "unknown invoice status"}
	}
	return st, nil
}

// IsNotFound reports whether err is a NotFound status.
func IsNotFound(err error) bool {
	return status.Code(err) == codes.NotFound || errors.Is(err, common.ErrNotFound)
}
