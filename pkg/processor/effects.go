package processor

import (
	"context"
	"errors"
	"fmt"

	"domainproxy/pkg/grantfsm"
	"domainproxy/pkg/models"

	"go.uber.org/zap"
)

// apply writes the domain consequences of one matched response and returns
// the internal id of the CBSD it touched, or 0 if none was found.
func (c *Correlator) apply(ctx context.Context, st Store, t models.RequestType, req requestDoc, resp responseDoc) (int64, error) {
	cbsd, err := c.resolveCbsd(ctx, st, t, req)
	if err != nil {
		return 0, err
	}
	if cbsd == nil {
		c.logger.Warn("response for unknown cbsd",
			zap.String("request_type", t.String()),
			zap.String("cbsd_id", req.CbsdID))
		return 0, nil
	}

	code := resp.code()
	if t == models.Deregistration || code == models.CodeDeregister ||
		(code == models.CodeInvalidValue && t != models.Registration) {
		return cbsd.ID, c.unregister(ctx, st, cbsd)
	}

	switch t {
	case models.Registration:
		err = c.registration(ctx, st, cbsd, resp)
	case models.SpectrumInquiry:
		err = c.spectrumInquiry(ctx, st, cbsd, resp)
	case models.Grant:
		err = c.grant(ctx, st, cbsd, req, resp)
	case models.Heartbeat:
		err = c.heartbeat(ctx, st, cbsd, req, resp)
	case models.Relinquishment:
		err = c.relinquishment(ctx, st, cbsd, req, resp)
	default:
		panic(fmt.Sprintf("processor: no response strategy for %v", t))
	}
	return cbsd.ID, err
}

func (c *Correlator) resolveCbsd(ctx context.Context, st Store, t models.RequestType, req requestDoc) (*models.Cbsd, error) {
	if t != models.Registration {
		return st.CbsdBySasID(ctx, req.CbsdID)
	}
	cbsd, err := st.CbsdByIdentity(ctx, req.FccID, req.CbsdSerialNumber)
	if err != nil || cbsd != nil {
		return cbsd, err
	}
	cbsd = &models.Cbsd{
		FccID:        req.FccID,
		SerialNumber: req.CbsdSerialNumber,
		UserID:       req.UserID,
		State:        models.CbsdUnregistered,
		DesiredState: models.CbsdRegistered,
	}
	if err := st.SaveCbsd(ctx, cbsd); err != nil {
		return nil, err
	}
	return cbsd, nil
}

func (c *Correlator) unregister(ctx context.Context, st Store, cbsd *models.Cbsd) error {
	if err := st.DeleteGrants(ctx, cbsd.ID); err != nil {
		return err
	}
	cbsd.State = models.CbsdUnregistered
	return st.SaveCbsd(ctx, cbsd)
}

func (c *Correlator) registration(ctx context.Context, st Store, cbsd *models.Cbsd, resp responseDoc) error {
	if resp.code() == models.CodeSuccess {
		cbsd.State = models.CbsdRegistered
		cbsd.CbsdID = resp.CbsdID
	} else {
		cbsd.State = models.CbsdUnregistered
	}
	return st.SaveCbsd(ctx, cbsd)
}

func (c *Correlator) spectrumInquiry(ctx context.Context, st Store, cbsd *models.Cbsd, resp responseDoc) error {
	if resp.code() != models.CodeSuccess {
		return nil
	}
	channels := make([]models.Channel, 0, len(resp.AvailableChannel))
	for _, ch := range resp.AvailableChannel {
		channels = append(channels, ch.toModel())
	}
	cbsd.Channels = channels
	cbsd.AvailableFrequencies = nil
	return st.SaveCbsd(ctx, cbsd)
}

func (c *Correlator) grant(ctx context.Context, st Store, cbsd *models.Cbsd, req requestDoc, resp responseDoc) error {
	switch resp.code() {
	case models.CodeSuccess:
		if resp.GrantID == "" {
			c.logger.Warn("grant success without grant id",
				zap.String("cbsd_id", cbsd.CbsdID))
			return nil
		}
		g, err := st.Grant(ctx, cbsd.ID, resp.GrantID)
		if err != nil {
			return err
		}
		if g == nil {
			g = &models.GrantRecord{CbsdID: cbsd.ID, GrantID: resp.GrantID}
		}
		next, err := grantfsm.Next(g.State, grantfsm.EventGranted)
		if err != nil {
			c.rejectTransition(g, grantfsm.EventGranted, err)
			return nil
		}
		g.State = next
		if op := req.OperationParam; op != nil {
			g.LowFrequency = op.OperationFrequencyRange.LowFrequency
			g.HighFrequency = op.OperationFrequencyRange.HighFrequency
			g.MaxEirp = op.MaxEirp
		}
		g.HeartbeatInterval = resp.HeartbeatInterval
		g.GrantExpireTime = parseTime(resp.GrantExpireTime)
		return st.SaveGrant(ctx, g)

	case models.CodeGrantConflict:
		for _, id := range resp.conflictingGrants() {
			existing, err := st.Grant(ctx, cbsd.ID, id)
			if err != nil {
				return err
			}
			if existing != nil {
				continue
			}
			g := &models.GrantRecord{CbsdID: cbsd.ID, GrantID: id}
			next, err := grantfsm.Next(g.State, grantfsm.EventConflict)
			if err != nil {
				c.rejectTransition(g, grantfsm.EventConflict, err)
				continue
			}
			g.State = next
			if err := st.SaveGrant(ctx, g); err != nil {
				return err
			}
		}
		return nil

	default:
		if resp.GrantID != "" {
			if err := st.DeleteGrant(ctx, cbsd.ID, resp.GrantID); err != nil {
				return err
			}
		}
		if op := req.OperationParam; op != nil && cbsd.AvailableFrequencies != nil {
			cbsd.AvailableFrequencies = UnsetFrequency(cbsd.AvailableFrequencies,
				op.OperationFrequencyRange.LowFrequency, op.OperationFrequencyRange.HighFrequency)
			return st.SaveCbsd(ctx, cbsd)
		}
		return nil
	}
}

func (c *Correlator) heartbeat(ctx context.Context, st Store, cbsd *models.Cbsd, req requestDoc, resp responseDoc) error {
	grantID := req.GrantID
	if grantID == "" {
		grantID = resp.GrantID
	}
	g, err := st.Grant(ctx, cbsd.ID, grantID)
	if err != nil {
		return err
	}

	var event grantfsm.Event
	switch resp.code() {
	case models.CodeSuccess:
		event = grantfsm.EventAuthorized
	case models.CodeSuspendedGrant:
		event = grantfsm.EventSuspended
	case models.CodeUnsyncOpParam:
		event = grantfsm.EventUnsync
	case models.CodeTerminatedGrant:
		if g == nil {
			return nil
		}
		if err := st.DeleteGrant(ctx, cbsd.ID, grantID); err != nil {
			return err
		}
		if cbsd.AvailableFrequencies != nil {
			cbsd.AvailableFrequencies = UnsetFrequency(cbsd.AvailableFrequencies, g.LowFrequency, g.HighFrequency)
			return st.SaveCbsd(ctx, cbsd)
		}
		return nil
	default:
		return nil
	}

	if g == nil {
		c.logger.Warn("heartbeat response for unknown grant",
			zap.String("cbsd_id", cbsd.CbsdID),
			zap.String("grant_id", grantID))
		return nil
	}
	next, err := grantfsm.Next(g.State, event)
	if err != nil {
		c.rejectTransition(g, event, err)
		return nil
	}
	g.State = next
	if event == grantfsm.EventAuthorized {
		g.TransmitExpireTime = parseTime(resp.TransmitExpireTime)
	}
	if exp := parseTime(resp.GrantExpireTime); exp != nil {
		g.GrantExpireTime = exp
	}
	if resp.HeartbeatInterval > 0 {
		g.HeartbeatInterval = resp.HeartbeatInterval
	}
	return st.SaveGrant(ctx, g)
}

func (c *Correlator) relinquishment(ctx context.Context, st Store, cbsd *models.Cbsd, req requestDoc, resp responseDoc) error {
	if resp.code() != models.CodeSuccess {
		return nil
	}
	grantID := req.GrantID
	if grantID == "" {
		grantID = resp.GrantID
	}
	return st.DeleteGrant(ctx, cbsd.ID, grantID)
}

func (c *Correlator) rejectTransition(g *models.GrantRecord, event grantfsm.Event, err error) {
	if !errors.Is(err, grantfsm.ErrInvalidTransition) {
		return
	}
	c.logger.Warn("ignoring grant transition",
		zap.String("grant_id", g.GrantID),
		zap.String("from", string(g.State)),
		zap.String("event", string(event)))
}
