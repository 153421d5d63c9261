package domain

// CustomerProfile is the RFM aggregate of one customer's transactions.
type CustomerProfile struct {
	CustomerID string  `json:"customerId"`
	Recency    int     `json:"recency"`   // whole days since last transaction
	Frequency  int     `json:"frequency"` // transaction count, >= 1
	Monetary   float64 `json:"monetary"`  // sum of amounts
	AvgAmount  float64 `json:"avgAmount"`
	StdAmount  float64 `json:"stdAmount"` // sample std, 0 for a single transaction
}

// BehavioralScore extends a profile with quantile scores and risk flags.
type BehavioralScore struct {
	CustomerProfile

	RecencyScore   int    `json:"recencyScore"`   // 5 = most recent
	FrequencyScore int    `json:"frequencyScore"` // 5 = most frequent
	MonetaryScore  int    `json:"monetaryScore"`  // 5 = highest spend
	RFMScore       string `json:"rfmScore"`

	HighRecency  int `json:"highRecency"`
	LowFrequency int `json:"lowFrequency"`
	LowMonetary  int `json:"lowMonetary"`
	RiskScore    int `json:"riskScore"` // 0..3
}

// ProxyLabel is the derived binary risk target for a customer.
type ProxyLabel struct {
	CustomerID string `json:"customerId"`
	IsHighRisk int    `json:"isHighRisk"`
}
