package config

// DefaultChains returns the built-in chain registry. Entries can be
// overridden or extended via the chains section of the config file;
// rpc_url always comes from config or environment since there is no
// sensible default endpoint.
func DefaultChains() []ChainConfig {
	return []ChainConfig{
		{
			ChainID:          1,
			Name:             "ethereum",
			Selector:         "5009297550715157269",
			RouterAddress:    "0x80226fc0Ee2b096224EeAc085Bb9a8cba1146f7D",
			LinkTokenAddress: "0x514910771AF9Ca656af840dff83E8264EcF986CA",
			ExplorerURL:      "https://etherscan.io",
			NativeSymbol:     "ETH",
			NativeDecimals:   18,
			GasCeilingWei:    150_000_000_000, // 150 gwei
		},
		{
			ChainID:          137,
			Name:             "polygon",
			Selector:         "4051577828743386545",
			RouterAddress:    "0x849c5ED5a80F5B408Dd4969b78c2C8fdf0565Bfe",
			LinkTokenAddress: "0xb0897686c545045aFc77CF20eC7A532E3120E0F1",
			ExplorerURL:      "https://polygonscan.com",
			NativeSymbol:     "MATIC",
			NativeDecimals:   18,
			GasCeilingWei:    500_000_000_000, // 500 gwei
		},
		{
			ChainID:          10,
			Name:             "optimism",
			Selector:         "3734403246176062136",
			RouterAddress:    "0x3206695CaE29952f4b0c22a169725a865bc8Ce0f",
			LinkTokenAddress: "0x350a791Bfc2C21F9Ed5d10980Dad2e2638ffa7f6",
			ExplorerURL:      "https://optimistic.etherscan.io",
			NativeSymbol:     "ETH",
			NativeDecimals:   18,
			GasCeilingWei:    5_000_000_000, // 5 gwei
		},
		{
			ChainID:          42161,
			Name:             "arbitrum",
			Selector:         "4949039107694359620",
			RouterAddress:    "0x141fa059441E0ca23ce184B6A78bafD2A517DdE8",
			LinkTokenAddress: "0xf97f4df75117a78c1A5a0DBb814Af92458539FB4",
			ExplorerURL:      "https://arbiscan.io",
			NativeSymbol:     "ETH",
			NativeDecimals:   18,
			GasCeilingWei:    2_000_000_000, // 2 gwei
		},
		{
			ChainID:          8453,
			Name:             "base",
			Selector:         "15971525489660198786",
			RouterAddress:    "0x881e3A65B4d4a04dD529061dd0071cf975F58bCD",
			LinkTokenAddress: "0x88Fb150BDc53A65fe94Dea0c9BA0a6dAf8C6e196",
			ExplorerURL:      "https://basescan.org",
			NativeSymbol:     "ETH",
			NativeDecimals:   18,
			GasCeilingWei:    2_000_000_000, // 2 gwei
		},
		{
			ChainID:          43114,
			Name:             "avalanche",
			Selector:         "6433500567565415381",
			RouterAddress:    "0xF4c7E640EdA248ef95972845a62bdC74237805dB",
			LinkTokenAddress: "0x5947BB275c521040051D82396192181b413227A3",
			ExplorerURL:      "https://snowtrace.io",
			NativeSymbol:     "AVAX",
			NativeDecimals:   18,
			GasCeilingWei:    100_000_000_000, // 100 nAVAX
		},
	}
}

// ChainNames maps chain ids of the default registry to their names.
// Used for bounded-cardinality metric labels.
func ChainNames() map[uint64]string {
	names := make(map[uint64]string)
	for _, ch := range DefaultChains() {
		names[ch.ChainID] = ch.Name
	}
	return names
}
