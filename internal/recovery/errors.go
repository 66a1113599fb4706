package recovery

import "errors"

// Guardian registry errors.
var (
	ErrInvalidGuardian     = errors.New("GS: invalid guardian")
	ErrGuardianIsOwner     = errors.New("GS: guardian cannot be an owner")
	ErrDuplicateGuardian   = errors.New("GS: duplicate guardian")
	ErrThresholdZero       = errors.New("GS: threshold cannot be 0")
	ErrThresholdTooHigh    = errors.New("GS: threshold must be lower or equal to guardians count")
	ErrInvalidPrevGuardian = errors.New("GS: invalid previous guardian")
	ErrInvalidThreshold    = errors.New("GS: invalid threshold")
	ErrModuleNotEnabled    = errors.New("GS: method only callable when module is enabled")
)

// Recovery state machine errors.
var (
	ErrEmptyGuardians           = errors.New("SM: empty guardians")
	ErrOwnersEmpty              = errors.New("SM: owners cannot be empty")
	ErrInvalidNewThreshold      = errors.New("SM: invalid new threshold")
	ErrInvalidNewOwner          = errors.New("SM: invalid new owner")
	ErrDuplicateNewOwner        = errors.New("SM: duplicate new owner")
	ErrEmptySignatures          = errors.New("SM: empty signatures")
	ErrSignerNotGuardian        = errors.New("SM: Signer not a guardian")
	ErrInvalidGuardianSignature = errors.New("SM: Invalid guardian signature")
	ErrSignerOrdering           = errors.New("SM: duplicate signers/invalid ordering")
	ErrSenderNotGuardian        = errors.New("SM: sender not a guardian")
	ErrNullSignatureSender      = errors.New("SM: null signature should have the signer as the sender")
	ErrInsufficientApprovals    = errors.New("SM: confirmed signatures less than threshold")
	ErrNotEnoughForReplacement  = errors.New("SM: not enough approvals for replacement")
	ErrUnauthorized             = errors.New("SM: unauthorized")
	ErrNoOngoingRecovery        = errors.New("SM: no ongoing recovery")
	ErrRecoveryPending          = errors.New("SM: recovery period still pending")
	ErrNewOwnerIsGuardian       = errors.New("SM: new owner cannot be guardian")
	ErrOwnerRemovalFailed       = errors.New("SM: owner removal failed")
	ErrOwnerReplacementFailed   = errors.New("SM: owner replacement failed")
	ErrOwnerAdditionFailed      = errors.New("SM: owner addition failed")
	ErrChangeThresholdFailed    = errors.New("SM: change threshold failed")
)

// ErrUnknownAccount is returned by resolvers for addresses they do not manage.
var ErrUnknownAccount = errors.New("unknown account")
