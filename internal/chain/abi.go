package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Contract ABIs, embedded so the binary carries everything it needs to
// talk to a deployment. Only the methods and events the control plane
// consumes are declared.
var (
	aggregatorABI    abi.ABI
	vaultABI         abi.ABI
	bridgeABI        abi.ABI
	healthCheckerABI abi.ABI
	executorABI      abi.ABI
	erc20ABI         abi.ABI
)

const aggregatorABIJSON = `[
	{
		"name": "latestRoundData",
		"type": "function",
		"stateMutability": "view",
		"inputs": [],
		"outputs": [
			{"name": "roundId", "type": "uint80"},
			{"name": "answer", "type": "int256"},
			{"name": "startedAt", "type": "uint256"},
			{"name": "updatedAt", "type": "uint256"},
			{"name": "answeredInRound", "type": "uint80"}
		]
	},
	{
		"name": "decimals",
		"type": "function",
		"stateMutability": "view",
		"inputs": [],
		"outputs": [{"name": "", "type": "uint8"}]
	},
	{
		"name": "description",
		"type": "function",
		"stateMutability": "view",
		"inputs": [],
		"outputs": [{"name": "", "type": "string"}]
	}
]`

const vaultABIJSON = `[
	{
		"name": "deposit",
		"type": "function",
		"inputs": [
			{"name": "amount", "type": "uint256"},
			{"name": "preferredChains", "type": "uint64[]"},
			{"name": "thresholds", "type": "uint256[]"}
		],
		"outputs": []
	},
	{
		"name": "withdraw",
		"type": "function",
		"inputs": [{"name": "amount", "type": "uint256"}],
		"outputs": []
	},
	{
		"name": "checkUpkeep",
		"type": "function",
		"stateMutability": "view",
		"inputs": [{"name": "checkData", "type": "bytes"}],
		"outputs": [
			{"name": "upkeepNeeded", "type": "bool"},
			{"name": "performData", "type": "bytes"}
		]
	},
	{
		"name": "performUpkeep",
		"type": "function",
		"inputs": [{"name": "performData", "type": "bytes"}],
		"outputs": []
	},
	{
		"name": "getUserDeposit",
		"type": "function",
		"stateMutability": "view",
		"inputs": [{"name": "user", "type": "address"}],
		"outputs": [
			{"name": "amount", "type": "uint256"},
			{"name": "preferredChains", "type": "uint64[]"},
			{"name": "thresholds", "type": "uint256[]"}
		]
	},
	{
		"name": "getHealthScore",
		"type": "function",
		"stateMutability": "view",
		"inputs": [],
		"outputs": [{"name": "", "type": "uint256"}]
	},
	{
		"name": "Deposited",
		"type": "event",
		"inputs": [
			{"name": "user", "type": "address", "indexed": true},
			{"name": "amount", "type": "uint256", "indexed": false}
		]
	},
	{
		"name": "Withdrawn",
		"type": "event",
		"inputs": [
			{"name": "user", "type": "address", "indexed": true},
			{"name": "amount", "type": "uint256", "indexed": false}
		]
	},
	{
		"name": "RebalanceTriggered",
		"type": "event",
		"inputs": [
			{"name": "upkeepId", "type": "uint256", "indexed": true},
			{"name": "performData", "type": "bytes", "indexed": false}
		]
	},
	{
		"name": "RebalanceExecuted",
		"type": "event",
		"inputs": [
			{"name": "messageId", "type": "bytes32", "indexed": true},
			{"name": "success", "type": "bool", "indexed": false},
			{"name": "protocol", "type": "string", "indexed": false},
			{"name": "amount", "type": "uint256", "indexed": false}
		]
	}
]`

const bridgeABIJSON = `[
	{
		"name": "sendCrossChainRebalance",
		"type": "function",
		"stateMutability": "payable",
		"inputs": [
			{"name": "destSelector", "type": "uint64"},
			{"name": "receiver", "type": "address"},
			{"name": "amount", "type": "uint256"},
			{"name": "targetProtocol", "type": "string"},
			{"name": "gasLimit", "type": "uint256"}
		],
		"outputs": [{"name": "messageId", "type": "bytes32"}]
	},
	{
		"name": "estimateFee",
		"type": "function",
		"stateMutability": "view",
		"inputs": [
			{"name": "destSelector", "type": "uint64"},
			{"name": "receiver", "type": "address"},
			{"name": "amount", "type": "uint256"},
			{"name": "targetProtocol", "type": "string"},
			{"name": "gasLimit", "type": "uint256"}
		],
		"outputs": [{"name": "fee", "type": "uint256"}]
	},
	{
		"name": "MessageSent",
		"type": "event",
		"inputs": [
			{"name": "messageId", "type": "bytes32", "indexed": true},
			{"name": "destSelector", "type": "uint64", "indexed": true},
			{"name": "receiver", "type": "address", "indexed": false},
			{"name": "targetProtocol", "type": "string", "indexed": false},
			{"name": "fees", "type": "uint256", "indexed": false}
		]
	},
	{
		"name": "MessageReceived",
		"type": "event",
		"inputs": [
			{"name": "messageId", "type": "bytes32", "indexed": true},
			{"name": "srcSelector", "type": "uint64", "indexed": true},
			{"name": "sender", "type": "address", "indexed": false},
			{"name": "token", "type": "address", "indexed": false},
			{"name": "amount", "type": "uint256", "indexed": false}
		]
	}
]`

const healthCheckerABIJSON = `[
	{
		"name": "verifyCollateral",
		"type": "function",
		"stateMutability": "view",
		"inputs": [
			{"name": "vaultId", "type": "uint256"},
			{"name": "amount", "type": "uint256"}
		],
		"outputs": [{"name": "", "type": "bool"}]
	},
	{
		"name": "getCollateralRatio",
		"type": "function",
		"stateMutability": "view",
		"inputs": [{"name": "vaultId", "type": "uint256"}],
		"outputs": [{"name": "", "type": "uint256"}]
	}
]`

const executorABIJSON = `[
	{
		"name": "executeRebalance",
		"type": "function",
		"inputs": [
			{"name": "token", "type": "address"},
			{"name": "amount", "type": "uint256"},
			{"name": "targetProtocol", "type": "string"},
			{"name": "swapData", "type": "bytes"}
		],
		"outputs": []
	},
	{
		"name": "estimateRebalanceCost",
		"type": "function",
		"stateMutability": "view",
		"inputs": [
			{"name": "token", "type": "address"},
			{"name": "amount", "type": "uint256"},
			{"name": "targetProtocol", "type": "string"}
		],
		"outputs": [{"name": "", "type": "uint256"}]
	},
	{
		"name": "supportedProtocols",
		"type": "function",
		"stateMutability": "view",
		"inputs": [{"name": "name", "type": "string"}],
		"outputs": [{"name": "", "type": "bool"}]
	}
]`

const erc20ABIJSON = `[
	{
		"name": "balanceOf",
		"type": "function",
		"stateMutability": "view",
		"inputs": [{"name": "owner", "type": "address"}],
		"outputs": [{"name": "", "type": "uint256"}]
	},
	{
		"name": "allowance",
		"type": "function",
		"stateMutability": "view",
		"inputs": [
			{"name": "owner", "type": "address"},
			{"name": "spender", "type": "address"}
		],
		"outputs": [{"name": "", "type": "uint256"}]
	},
	{
		"name": "approve",
		"type": "function",
		"inputs": [
			{"name": "spender", "type": "address"},
			{"name": "amount", "type": "uint256"}
		],
		"outputs": [{"name": "", "type": "bool"}]
	},
	{
		"name": "transfer",
		"type": "function",
		"inputs": [
			{"name": "to", "type": "address"},
			{"name": "amount", "type": "uint256"}
		],
		"outputs": [{"name": "", "type": "bool"}]
	},
	{
		"name": "transferFrom",
		"type": "function",
		"inputs": [
			{"name": "from", "type": "address"},
			{"name": "to", "type": "address"},
			{"name": "amount", "type": "uint256"}
		],
		"outputs": [{"name": "", "type": "bool"}]
	},
	{
		"name": "decimals",
		"type": "function",
		"stateMutability": "view",
		"inputs": [],
		"outputs": [{"name": "", "type": "uint8"}]
	},
	{
		"name": "symbol",
		"type": "function",
		"stateMutability": "view",
		"inputs": [],
		"outputs": [{"name": "", "type": "string"}]
	}
]`

func init() {
	for name, def := range map[string]struct {
		json string
		dst  *abi.ABI
	}{
		"aggregator":     {aggregatorABIJSON, &aggregatorABI},
		"vault":          {vaultABIJSON, &vaultABI},
		"bridge":         {bridgeABIJSON, &bridgeABI},
		"health_checker": {healthCheckerABIJSON, &healthCheckerABI},
		"executor":       {executorABIJSON, &executorABI},
		"erc20":          {erc20ABIJSON, &erc20ABI},
	} {
		parsed, err := abi.JSON(strings.NewReader(def.json))
		if err != nil {
			panic(name + " abi parse: " + err.Error())
		}
		*def.dst = parsed
	}
}
