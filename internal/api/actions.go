package api

import (
	"context"
	"errors"
	"fmt"
)

// ErrChannelNotFound is returned when a login has no channel.
var ErrChannelNotFound = errors.New("channel not found")

// ClaimBonus claims a channel points bonus.
func (c *Client) ClaimBonus(ctx context.Context, channelID, claimID string) error {
	var data claimData
	err := c.post(ctx, OpClaimCommunityPoints, map[string]any{
		"input": map[string]any{
			"channelID": channelID,
			"claimID":   claimID,
		},
	}, &data)
	if err != nil {
		return fmt.Errorf("claim bonus %s: %w", claimID, err)
	}
	if e := data.ClaimCommunityPoints.Error; e != nil {
		return fmt.Errorf("claim bonus %s: %w", claimID, &ActionError{Operation: OpClaimCommunityPoints.Name, Code: e.Code})
	}
	return nil
}

// PlaceBet places a prediction bet. Replaying a transaction ID does not
// place a second bet.
func (c *Client) PlaceBet(ctx context.Context, eventID, outcomeID string, amount int, transactionID string) error {
	var data predictionData
	err := c.post(ctx, OpMakePrediction, map[string]any{
		"input": map[string]any{
			"eventID":       eventID,
			"outcomeID":     outcomeID,
			"points":        amount,
			"transactionID": transactionID,
		},
	}, &data)
	if err != nil {
		return fmt.Errorf("place bet on %s: %w", eventID, err)
	}
	if e := data.MakePrediction.Error; e != nil {
		return fmt.Errorf("place bet on %s: %w", eventID, &ActionError{Operation: OpMakePrediction.Name, Code: e.Code})
	}
	return nil
}

// JoinRaid joins a raid.
func (c *Client) JoinRaid(ctx context.Context, raidID string) error {
	err := c.post(ctx, OpJoinRaid, map[string]any{
		"input": map[string]any{"raidID": raidID},
	}, nil)
	if err != nil {
		return fmt.Errorf("join raid %s: %w", raidID, err)
	}
	return nil
}

// ChannelPointsContext fetches the channel ID and balance for a login.
func (c *Client) ChannelPointsContext(ctx context.Context, login string) (*ChannelContext, error) {
	var data channelPointsData
	err := c.post(ctx, OpChannelPointsContext, map[string]any{"channelLogin": login}, &data)
	if err != nil {
		return nil, fmt.Errorf("channel points context %s: %w", login, err)
	}
	if data.Community == nil || data.Community.Channel == nil {
		return nil, fmt.Errorf("channel points context %s: %w", login, ErrChannelNotFound)
	}

	ch := data.Community.Channel
	out := &ChannelContext{
		Login:     login,
		ChannelID: ch.ID,
		Balance:   ch.Self.CommunityPoints.Balance,
	}
	if claim := ch.Self.CommunityPoints.AvailableClaim; claim != nil {
		out.ClaimID = claim.ID
	}
	return out, nil
}
