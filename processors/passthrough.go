package processors

import (
	log "github.com/sirupsen/logrus"

	config "github.com/openmri/receptor/config"
)

// PassThroughStep performs no transformation. A site configures one of
// these at a low priority so every transfer has at least one logged
// handler, even when nothing else applies.
type PassThroughStep struct {
	id string
}

func NewPassThroughStep(cfg config.ProcessorConfig) (Step, error) {
	return &PassThroughStep{id: cfg.ID}, nil
}

func (s *PassThroughStep) Process(ctx *TransferContext) (Result, error) {
	log.Infof("Processor %s handled transfer of study %s from %s", s.id, ctx.StudyID, ctx.Source())
	return ResultContinue, nil
}
