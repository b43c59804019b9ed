package api

import "encoding/json"

// Operation is a persisted GQL query.
type Operation struct {
	Name string
	Hash string
}

// Persisted queries used by the miner.
var (
	OpClaimCommunityPoints = Operation{"ClaimCommunityPoints", "46aaeebe02c99afdf4fc97c7c0cba964124bf6b0af229395f1f6d1feed05b3d0"}
	OpMakePrediction       = Operation{"MakePrediction", "b44682ecc88358817009f20e69d75081b1e58825bb40aa53d5dbadcc17c881d8"}
	OpJoinRaid             = Operation{"JoinRaid", "c6a332a86d1087fbbb1a8623aa01bd1313d2386e7c63be60fdb2d1901f01a4ae"}
	OpChannelPointsContext = Operation{"ChannelPointsContext", "1530a003a7d374b0380b79db0be0534f30ff46e61cffa2bc0e2468a909fbc024"}
)

type request struct {
	OperationName string         `json:"operationName"`
	Variables     map[string]any `json:"variables"`
	Extensions    extensions     `json:"extensions"`
}

type extensions struct {
	PersistedQuery persistedQuery `json:"persistedQuery"`
}

type persistedQuery struct {
	Version    int    `json:"version"`
	Sha256Hash string `json:"sha256Hash"`
}

type response struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// operationError is the error object some mutations return inside data.
type operationError struct {
	Code string `json:"code"`
}

type claimData struct {
	ClaimCommunityPoints struct {
		Error *operationError `json:"error"`
	} `json:"claimCommunityPoints"`
}

type predictionData struct {
	MakePrediction struct {
		Error *operationError `json:"error"`
	} `json:"makePrediction"`
}

type channelPointsData struct {
	Community *struct {
		ID      string `json:"id"`
		Channel *struct {
			ID   string `json:"id"`
			Self struct {
				CommunityPoints struct {
					Balance        int `json:"balance"`
					AvailableClaim *struct {
						ID string `json:"id"`
					} `json:"availableClaim"`
				} `json:"communityPoints"`
			} `json:"self"`
		} `json:"channel"`
	} `json:"community"`
}

// ChannelContext is the channel points state of one channel.
type ChannelContext struct {
	Login     string
	ChannelID string
	Balance   int
	ClaimID   string // available bonus claim, if any
}
