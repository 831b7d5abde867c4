package dimse

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/monai-gateway/informatics-gateway/pkg/dicomuid"
	"github.com/monai-gateway/informatics-gateway/pkg/model"
	"github.com/monai-gateway/informatics-gateway/pkg/plugin"
)

// handleStore processes one C-STORE-RQ: admission check, decode, run the
// input plug-in chain, stage to local disk, and enqueue for upload, per
// spec.md section 4.1/4.3. It returns the DIMSE status to send in the
// C-STORE-RSP; a single instance's failure never aborts the owning
// association (spec.md section 4.7).
func (s *Server) handleStore(ctx context.Context, dataset []byte, msg *commandMessage, presCtx presentationContext, monaiAE *model.MonaiApplicationEntity, info *model.AssociationInfo, inputChain []plugin.InputPlugIn) dicomuid.Status {
	if ok, err := s.space.HasSpaceToStore(ctx); err != nil {
		s.log.Error().Err(err).Msg("checking storage admission")
		return dicomuid.StatusOutOfResources
	} else if !ok {
		s.log.Warn().Str("correlationId", info.CorrelationID).Msg("rejecting C-STORE: storage watermark exceeded")
		return dicomuid.StatusOutOfResources
	}

	if presCtx.AbstractSyntax != "" && presCtx.AbstractSyntax != msg.AffectedSOPClassUID {
		s.log.Warn().Str("negotiated", presCtx.AbstractSyntax).Str("affected", msg.AffectedSOPClassUID).
			Msg("C-STORE SOP class does not match negotiated presentation context")
		return dicomuid.StatusSOPClassNotSupported
	}
	if !monaiAE.AcceptsSOPClass(msg.AffectedSOPClassUID) {
		return dicomuid.StatusSOPClassNotSupported
	}

	ds, err := s.codec.Decode(dataset)
	if err != nil {
		s.log.Error().Err(err).Str("correlationId", info.CorrelationID).Msg("decoding DICOM dataset")
		return dicomuid.StatusStorageCannotUnderstand
	}

	identifier := uuid.NewString()
	meta := &model.FileStorageMetadata{
		Identifier:     identifier,
		CorrelationID:  info.CorrelationID,
		StudyUID:       nonEmpty(ds.StudyInstanceUID(), msg.AffectedSOPInstanceUID),
		SeriesUID:      ds.SeriesInstanceUID(),
		SOPInstanceUID: nonEmpty(ds.SOPInstanceUID(), msg.AffectedSOPInstanceUID),
		Source:         info.CallingAET,
		Destination:    info.CalledAET,
		DataService:    model.DataServiceDIMSE,
		Workflows:      monaiAE.Workflows,
		CreatedAt:      time.Now(),
	}

	ds, meta, err = plugin.RunInputChain(inputChain, ds, meta)
	if err != nil {
		s.log.Error().Err(err).Str("correlationId", info.CorrelationID).Msg("running input plug-in chain")
		return dicomuid.StatusProcessingFailure
	}

	raw, err := s.codec.Encode(ds, dataset)
	if err != nil {
		s.log.Error().Err(err).Str("correlationId", info.CorrelationID).Msg("encoding DICOM dataset")
		return dicomuid.StatusProcessingFailure
	}

	localPath := filepath.Join(s.stagingRoot, identifier+".dcm")
	if err := os.WriteFile(localPath, raw, 0o600); err != nil {
		s.log.Error().Err(err).Str("correlationId", info.CorrelationID).Msg("staging received file")
		return dicomuid.StatusOutOfResources
	}
	meta.File.TemporaryPath = localPath
	meta.File.ContentType = "application/dicom"

	origin := model.DataOrigin{Service: model.DataServiceDIMSE, Source: info.CallingAET, Destination: info.CalledAET}
	if _, err := s.assembler.AddFile(ctx, meta.GroupingKeyValue(monaiAE.Grouping), meta, monaiAE.TimeoutSeconds, monaiAE.Workflows, origin); err != nil {
		s.log.Error().Err(err).Str("correlationId", info.CorrelationID).Msg("assigning file to payload")
		return dicomuid.StatusProcessingFailure
	}
	if err := s.files.Create(ctx, meta); err != nil {
		s.log.Error().Err(err).Str("correlationId", info.CorrelationID).Msg("persisting file metadata")
		return dicomuid.StatusProcessingFailure
	}

	if err := s.uploads.Enqueue(ctx, UploadJob{Metadata: meta, LocalPath: localPath}); err != nil {
		s.log.Error().Err(err).Str("correlationId", info.CorrelationID).Msg("enqueueing upload")
		return dicomuid.StatusOutOfResources
	}

	return dicomuid.StatusSuccess
}

func (s *Server) respondStore(conn net.Conn, presContextID byte, msg *commandMessage, status dicomuid.Status, maxPDULength uint32) {
	resp := &commandMessage{
		CommandField:              commandCStoreRSP,
		MessageIDBeingRespondedTo: msg.MessageID,
		AffectedSOPClassUID:       msg.AffectedSOPClassUID,
		AffectedSOPInstanceUID:    msg.AffectedSOPInstanceUID,
		CommandDataSetType:        0x0101,
		Status:                    uint16(status),
	}
	if err := sendPData(conn, presContextID, maxPDULength, encodeCommand(resp), true); err != nil {
		s.log.Warn().Err(err).Msg("sending C-STORE-RSP")
	}
}
