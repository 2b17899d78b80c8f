package chain

// Contract ABIs for the Flare system contracts the asset manager reads and the
// collateral tokens it pays out in.

// FtsoRegistryABI is the subset of the FTSO registry used for price reads.
const FtsoRegistryABI = `[
	{
		"inputs": [{"name": "_symbol", "type": "string"}],
		"name": "getCurrentPriceWithDecimals",
		"outputs": [
			{"name": "_price", "type": "uint256"},
			{"name": "_timestamp", "type": "uint256"},
			{"name": "_assetPriceUsdDecimals", "type": "uint256"}
		],
		"stateMutability": "view",
		"type": "function"
	}
]`

// RelayABI is the subset of the Relay contract that exposes committed Merkle roots.
const RelayABI = `[
	{
		"inputs": [
			{"name": "_protocolId", "type": "uint256"},
			{"name": "_votingRoundId", "type": "uint256"}
		],
		"name": "merkleRoots",
		"outputs": [{"name": "", "type": "bytes32"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "getVotingRoundId",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	}
]`

// ERC20ABI is the subset of ERC-20 used for collateral payouts.
const ERC20ABI = `[
	{
		"constant": true,
		"inputs": [{"name": "account", "type": "address"}],
		"name": "balanceOf",
		"outputs": [{"name": "", "type": "uint256"}],
		"type": "function"
	},
	{
		"constant": false,
		"inputs": [
			{"name": "to", "type": "address"},
			{"name": "amount", "type": "uint256"}
		],
		"name": "transfer",
		"outputs": [{"name": "", "type": "bool"}],
		"type": "function"
	}
]`
