// Package contracts holds the ABI fragments for the on-chain contracts the
// client talks to: the MultiPartyEscrow ledger and the ERC-20 payment token.
// Only the methods and events this codebase calls are included.
package contracts

// MultiPartyEscrowABI covers the escrow balance book and the payment channel
// surface of the MultiPartyEscrow contract.
const MultiPartyEscrowABI = `[
  {"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"balances","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"constant":false,"inputs":[{"name":"value","type":"uint256"}],"name":"deposit","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
  {"constant":false,"inputs":[{"name":"value","type":"uint256"}],"name":"withdraw","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
  {"constant":false,"inputs":[{"name":"signer","type":"address"},{"name":"recipient","type":"address"},{"name":"groupId","type":"bytes32"},{"name":"value","type":"uint256"},{"name":"expiration","type":"uint256"}],"name":"openChannel","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
  {"constant":false,"inputs":[{"name":"signer","type":"address"},{"name":"recipient","type":"address"},{"name":"groupId","type":"bytes32"},{"name":"value","type":"uint256"},{"name":"expiration","type":"uint256"}],"name":"depositAndOpenChannel","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
  {"constant":false,"inputs":[{"name":"channelId","type":"uint256"},{"name":"amount","type":"uint256"}],"name":"channelAddFunds","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
  {"constant":false,"inputs":[{"name":"channelId","type":"uint256"},{"name":"newExpiration","type":"uint256"}],"name":"channelExtend","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
  {"constant":false,"inputs":[{"name":"channelId","type":"uint256"},{"name":"newExpiration","type":"uint256"},{"name":"amount","type":"uint256"}],"name":"channelExtendAndAddFunds","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"constant":false,"inputs":[{"name":"channelId","type":"uint256"}],"name":"channelClaimTimeout","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"constant":true,"inputs":[{"name":"","type":"uint256"}],"name":"channels","outputs":[{"name":"sender","type":"address"},{"name":"signer","type":"address"},{"name":"recipient","type":"address"},{"name":"groupId","type":"bytes32"},{"name":"value","type":"uint256"},{"name":"nonce","type":"uint256"},{"name":"expiration","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"anonymous":false,"inputs":[{"indexed":false,"name":"channelId","type":"uint256"},{"indexed":false,"name":"nonce","type":"uint256"},{"indexed":true,"name":"sender","type":"address"},{"indexed":false,"name":"signer","type":"address"},{"indexed":true,"name":"recipient","type":"address"},{"indexed":true,"name":"groupId","type":"bytes32"},{"indexed":false,"name":"amount","type":"uint256"},{"indexed":false,"name":"expiration","type":"uint256"}],"name":"ChannelOpen","type":"event"}
]`

// TokenABI covers the allowance surface of the ERC-20 payment token.
const TokenABI = `[
  {"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}
]`
