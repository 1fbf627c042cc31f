// Package contracts holds the ABI of the deployed EscrowList contract.
package contracts

// EscrowListABI is the subset of the EscrowList ABI the gateway calls.
const EscrowListABI = `[
  {
    "type": "function",
    "name": "newEscrow",
    "stateMutability": "payable",
    "inputs": [
      {"name": "arbiter", "type": "address"},
      {"name": "beneficiary", "type": "address"}
    ],
    "outputs": [{"name": "", "type": "uint256"}]
  },
  {
    "type": "function",
    "name": "approveEscrow",
    "stateMutability": "nonpayable",
    "inputs": [{"name": "id", "type": "uint256"}],
    "outputs": []
  },
  {
    "type": "function",
    "name": "getListEscrows",
    "stateMutability": "view",
    "inputs": [],
    "outputs": [{"name": "", "type": "tuple[]", "internalType": "struct EscrowList.Escrow[]", "components": [
      {"name": "id", "type": "uint256"},
      {"name": "arbiter", "type": "address"},
      {"name": "beneficiary", "type": "address"},
      {"name": "depositor", "type": "address"},
      {"name": "amount", "type": "uint256"},
      {"name": "approved", "type": "bool"}
    ]}]
  },
  {
    "type": "function",
    "name": "getListEscrowsToApprove",
    "stateMutability": "view",
    "inputs": [],
    "outputs": [{"name": "", "type": "tuple[]", "internalType": "struct EscrowList.Escrow[]", "components": [
      {"name": "id", "type": "uint256"},
      {"name": "arbiter", "type": "address"},
      {"name": "beneficiary", "type": "address"},
      {"name": "depositor", "type": "address"},
      {"name": "amount", "type": "uint256"},
      {"name": "approved", "type": "bool"}
    ]}]
  }
]`

const (
	MethodNewEscrow               = "newEscrow"
	MethodApproveEscrow           = "approveEscrow"
	MethodGetListEscrows          = "getListEscrows"
	MethodGetListEscrowsToApprove = "getListEscrowsToApprove"
)
