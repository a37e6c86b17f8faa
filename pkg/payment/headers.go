package payment

const (
	// PrefixInSignature is the message prefix used for MPE claim signatures.
	PrefixInSignature = "__MPE_claim_message"
	// FreeCallPrefixSignature is the agreed constant value for free trial signatures.
	FreeCallPrefixSignature = "__prefix_free_trial"
	// PrefixGetChannelState is the fixed message prefix used when requesting the
	// current channel state from the daemon.
	PrefixGetChannelState = "__get_channel_state"

	// PaymentTypeHeader is the gRPC metadata key for the type of payment used
	// for an RPC call: "escrow", "prepaid-call" or "free-call".
	PaymentTypeHeader = "snet-payment-type"
	// PaymentChannelIDHeader is a MultiPartyEscrow contract payment channel
	// id. Value is a string containing a decimal number.
	PaymentChannelIDHeader = "snet-payment-channel-id"
	// PaymentChannelNonceHeader is a payment channel nonce value. Value is a
	// string containing a decimal number.
	PaymentChannelNonceHeader = "snet-payment-channel-nonce"
	// PaymentChannelAmountHeader is an amount of payment channel value
	// which server is authorized to withdraw after handling the RPC call.
	// Value is a string containing a decimal number.
	PaymentChannelAmountHeader = "snet-payment-channel-amount"
	// PaymentChannelSignatureHeader is a signature of the client to confirm
	// amount withdrawing authorization. Value is an array of bytes.
	PaymentChannelSignatureHeader = "snet-payment-channel-signature-bin"
	// PaymentMultiPartyEscrowAddressHeader contains the MPE contract address.
	// This is useful when the daemon is running in blockchain-disabled mode,
	// allowing the client to remain oblivious to the daemon's mode while
	// standardizing signatures.
	PaymentMultiPartyEscrowAddressHeader = "snet-payment-mpe-address"

	// Free call support headers

	// FreeCallUserIdHeader contains the user ID of the person making the free call.
	FreeCallUserIdHeader = "snet-free-call-user-id"
	// FreeCallUserAddressHeader contains the user's Ethereum address for free calls.
	FreeCallUserAddressHeader = "snet-free-call-user-address"
	// FreeCallAuthTokenHeader contains the free call authentication token issued by the daemon.
	FreeCallAuthTokenHeader = "snet-free-call-auth-token-bin"
	// FreeCallAuthTokenExpiryBlockNumberHeader contains the block number at
	// which the token expires.
	FreeCallAuthTokenExpiryBlockNumberHeader = "snet-free-call-token-expiry-block"

	// CurrentBlockNumberHeader is used to verify if the signature is still valid.
	CurrentBlockNumberHeader = "snet-current-block-number"

	// PrePaidAuthTokenHeader contains the prepaid authentication token.
	// Users may sign upfront and make calls using this token for the amount signed.
	PrePaidAuthTokenHeader = "snet-prepaid-auth-token-bin"
)

// Payment type header values.
const (
	EscrowPaymentType   = "escrow"
	PrepaidPaymentType  = "prepaid-call"
	FreeCallPaymentType = "free-call"
)
